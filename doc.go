// Package engine 提供流程执行引擎功能。
//
// 这是一个轻量级、可嵌入的 Go 流程执行引擎，基于 token 解释执行有向图形式的流程定义，
// 支持任务队列、消息相关、定时器和多实例子流程。
//
// 主要特性：
//   - 简单易用：流程定义就是一份 JSON/YAML 配置，清晰的 API 设计
//   - 完整语义：并行/排他网关、消息捕获、定时捕获、子流程、多实例、调用活动、边界事件
//   - 任务队列：job 激活租约机制，at-least-once 投递，重试耗尽自动转 incident
//   - 逻辑时钟：时间完全由 AdvanceClock 驱动，测试里"三天后"只是一次函数调用
//   - 事件日志：实例的每一步都追加写入事件日志，Query 接口基于日志做断言
//   - 数据持久化：支持 GORM，可使用 MySQL、PostgreSQL、SQLite 等数据库
//   - 并发安全：支持本地锁和分布式锁（Redis）
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/simple-bpm/engine"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("bpm.db"), &gorm.Config{})
//	    db.AutoMigrate(&engine.ProcessInstancePo{}, &engine.ElementEventPo{})
//
//	    // 2. 创建引擎
//	    repo := engine.NewHistoryRepo(db)
//	    bpm := engine.NewEngine(repo, engine.NewLocalEngineLock(), nil)
//
//	    // 3. 部署流程定义
//	    configJSON := `{
//	        "id": "order_process",
//	        "name": "订单流程",
//	        "nodes": [
//	            {"id": "begin", "type": "start"},
//	            {"id": "ship", "type": "serviceTask", "job_type": "ship-order"},
//	            {"id": "done", "type": "end"}
//	        ],
//	        "flows": [
//	            {"from": "begin", "to": "ship"},
//	            {"from": "ship", "to": "done"}
//	        ]
//	    }`
//	    config, _ := engine.ParseDefinitionJSON([]byte(configJSON))
//	    bpm.Deploy(context.Background(), config)
//
//	    // 4. 创建实例,实例会推进到ship节点等待job
//	    key, _ := bpm.CreateInstance(context.Background(),
//	        &engine.CreateInstanceReq{
//	            ProcessID: "order_process",
//	            Variables: map[string]any{"orderId": "ORDER-001"},
//	        },
//	    )
//
//	    // 5. worker认领并完成job,实例走到end完成
//	    jobs, _ := bpm.ActivateJobs(context.Background(),
//	        &engine.ActivateJobsReq{JobType: "ship-order", MaxCount: 10})
//	    for _, job := range jobs {
//	        bpm.CompleteJob(context.Background(), job.JobID, map[string]any{"shipped": true})
//	    }
//
//	    // 6. 断言实例状态
//	    query, _ := bpm.QueryInstance(context.Background(), key)
//	    if err := query.IsCompleted(); err != nil {
//	        panic(err)
//	    }
//	}
//
// 变量作用域机制：
//
// 每个实例有一个根作用域,子流程/多实例子项有自己的局部作用域：
//
//   - 读取时当前作用域找不到会逐层向父作用域查找
//   - 写入(job完成/消息相关合并的变量)只落在当前作用域,不污染父作用域
//   - 多实例子项作用域里额外有集合元素(默认变量名 item)和序号 index
//
// 数据访问示例：
//
//	// 表达式里直接引用变量,用于排他网关条件和消息相关键
//	// {"from": "gate", "to": "approve", "condition": "reviewResult == \"approved\""}
//
//	// job handler里读写变量
//	orderID := job.Variables["orderId"]
//	return map[string]any{"shipped": true}, nil
//
// 时间机制：
//
// 引擎从不读墙上时钟。定时捕获、定时边界、job租约全部基于逻辑时钟,
// AdvanceClock 把时钟推进到目标时刻,途中到期的定时器按(到期时间,创建顺序)依次触发,
// 触发产生的新定时器若也在目标时刻之前,同样会在本次调用内触发完。
//
// 更多示例和文档请访问: https://github.com/blingmoon/simple-bpm
package engine
