package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/betbot/sigrouter/pkg/config"
)

// Deps 构造适配器时注入的依赖
type Deps struct {
	Secrets SecretResolver // 可为 nil：此时 secret:// 引用无法解析
}

// Constructor 按配置构造适配器
type Constructor func(cfg config.AdapterConfig, deps Deps) (Adapter, error)

var (
	constructorsMu sync.RWMutex
	constructors   = map[string]Constructor{}
)

// Register 注册适配器类型（在各实现包的 init() 中调用），重复注册 panic
func Register(kind string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()

	if _, exists := constructors[kind]; exists {
		panic(fmt.Errorf("adapter kind %s already registered", kind))
	}
	constructors[kind] = ctor
}

// Kinds 已注册的适配器类型（排序后）
func Kinds() []string {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()

	kinds := make([]string, 0, len(constructors))
	for k := range constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New 按 cfg.Kind 构造适配器；未知类型属于配置错误
func New(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
	constructorsMu.RLock()
	ctor, ok := constructors[cfg.Kind]
	constructorsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("adapter %s: unknown kind %q (registered: %v)", cfg.ID, cfg.Kind, Kinds())
	}
	a, err := ctor(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.ID, err)
	}
	return a, nil
}

// BuildAll 按配置顺序构造全部启用的适配器，任何一个失败则整体失败
func BuildAll(cfgs []config.AdapterConfig, deps Deps) ([]Adapter, error) {
	out := make([]Adapter, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		a, err := New(c, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
