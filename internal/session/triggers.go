package session

import (
	"sort"
	"sync"
)

// TriggerSet 需要周期性触发实时数据的设备集合
// 任何修改都会在 Changed 上发出一次信号，连续修改会合并为一次
type TriggerSet struct {
	mu      sync.Mutex
	set     map[string]struct{}
	changed chan struct{}
}

// NewTriggerSet 创建触发集合
func NewTriggerSet(serials ...string) *TriggerSet {
	t := &TriggerSet{set: make(map[string]struct{}), changed: make(chan struct{}, 1)}
	for _, sn := range serials {
		t.set[sn] = struct{}{}
	}
	return t
}

// Add 加入设备，返回实际新增的个数
func (t *TriggerSet) Add(serials ...string) int {
	t.mu.Lock()
	n := 0
	for _, sn := range serials {
		if _, ok := t.set[sn]; !ok {
			t.set[sn] = struct{}{}
			n++
		}
	}
	t.mu.Unlock()
	if n > 0 {
		t.signal()
	}
	return n
}

// Remove 移除设备
func (t *TriggerSet) Remove(serial string) bool {
	t.mu.Lock()
	_, ok := t.set[serial]
	delete(t.set, serial)
	t.mu.Unlock()
	if ok {
		t.signal()
	}
	return ok
}

// Contains 是否在集合中
func (t *TriggerSet) Contains(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[serial]
	return ok
}

// List 排序后的快照
func (t *TriggerSet) List() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.set))
	for sn := range t.set {
		out = append(out, sn)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len 集合大小
func (t *TriggerSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}

// Changed 集合变化信号
func (t *TriggerSet) Changed() <-chan struct{} {
	return t.changed
}

func (t *TriggerSet) signal() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}
