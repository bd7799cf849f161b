package session

import (
	"sort"
	"sync"
	"time"
)

// Device 设备清单中的一台设备（由外部账号层解析得到，只读）
type Device struct {
	Serial        string `json:"serial"`
	ProductNumber string `json:"product_number"`
	Alias         string `json:"alias,omitempty"`
	Online        bool   `json:"online"`
}

// Inventory 设备清单 + 最近上报时间
type Inventory struct {
	mu       sync.RWMutex
	devices  map[string]Device
	lastSeen map[string]time.Time // serial -> last seen
	timeout  time.Duration
}

// NewInventory 创建设备清单；timeout 为上报后视为在线的时长
func NewInventory(devices []Device, timeout time.Duration) *Inventory {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	inv := &Inventory{
		devices:  make(map[string]Device, len(devices)),
		lastSeen: make(map[string]time.Time),
		timeout:  timeout,
	}
	for _, d := range devices {
		inv.devices[d.Serial] = d
	}
	return inv
}

// Lookup 按序列号查找设备
func (i *Inventory) Lookup(serial string) (Device, bool) {
	i.mu.RLock()
	d, ok := i.devices[serial]
	i.mu.RUnlock()
	return d, ok
}

// Devices 按序列号排序返回全部设备
func (i *Inventory) Devices() []Device {
	i.mu.RLock()
	out := make([]Device, 0, len(i.devices))
	for _, d := range i.devices {
		out = append(out, d)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Serial < out[b].Serial })
	return out
}

// OnSeen 记录设备最近上报时间
func (i *Inventory) OnSeen(serial string, t time.Time) {
	i.mu.Lock()
	if _, ok := i.devices[serial]; ok {
		i.lastSeen[serial] = t
	}
	i.mu.Unlock()
}

// LastSeen 最近上报时间
func (i *Inventory) LastSeen(serial string) (time.Time, bool) {
	i.mu.RLock()
	ts, ok := i.lastSeen[serial]
	i.mu.RUnlock()
	return ts, ok
}

// IsOnline 在超时窗口内有上报，或尚无上报但清单标记为在线
func (i *Inventory) IsOnline(serial string, now time.Time) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if ts, ok := i.lastSeen[serial]; ok {
		return now.Sub(ts) <= i.timeout
	}
	return i.devices[serial].Online
}

// OnlineCount 在线设备数量
func (i *Inventory) OnlineCount(now time.Time) int {
	count := 0
	for _, d := range i.Devices() {
		if i.IsOnline(d.Serial, now) {
			count++
		}
	}
	return count
}
