// Package tests 是 simple-bpm 的内部测试模块。
//
// ⚠️ 重要提示：此包位于 internal/ 目录下，受 Go 编译器保护，
// 外部项目无法导入（会得到编译错误）。
//
// 📋 测试内容
//
// 此模块包含以下测试：
//   - engine 包的端到端场景测试(代码评审流程/注册激活流程)
//   - 消息相关/定时器/边界事件测试
//   - job租约和incident测试
//   - 多实例子流程和调用活动测试
//
// 🚀 运行测试
//
// 在项目根目录：
//
//	cd internal/tests
//	go test ./...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/simple-bpm/engine ./...
//	go tool cover -html=coverage.out
package tests
