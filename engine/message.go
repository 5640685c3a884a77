package engine

// messageSub 待匹配的消息订阅,token进入消息捕获事件时注册
// 匹配成功或token被取消(如被中断型边界事件打断)时移除
type messageSub struct {
	name  string
	key   string
	token *Token
	seq   int64
}

// messageTable 消息相关表,(消息名,相关键) -> 等待中的订阅
// 纯索引存储,协调逻辑全部在引擎里
type messageTable struct {
	subs map[string]map[string][]*messageSub
}

func newMessageTable() *messageTable {
	return &messageTable{subs: make(map[string]map[string][]*messageSub)}
}

func (t *messageTable) add(sub *messageSub) {
	byKey, ok := t.subs[sub.name]
	if !ok {
		byKey = make(map[string][]*messageSub)
		t.subs[sub.name] = byKey
	}
	byKey[sub.key] = append(byKey[sub.key], sub)
}

// pop 取出最早注册的匹配订阅,没有返回nil
func (t *messageTable) pop(name string, key string) *messageSub {
	byKey, ok := t.subs[name]
	if !ok {
		return nil
	}
	waiting := byKey[key]
	if len(waiting) == 0 {
		return nil
	}
	sub := waiting[0]
	byKey[key] = waiting[1:]
	return sub
}

// removeByToken token被取消时清掉它的订阅
func (t *messageTable) removeByToken(token *Token) {
	for _, byKey := range t.subs {
		for key, waiting := range byKey {
			kept := waiting[:0]
			for _, sub := range waiting {
				if sub.token != token {
					kept = append(kept, sub)
				}
			}
			byKey[key] = kept
		}
	}
}
