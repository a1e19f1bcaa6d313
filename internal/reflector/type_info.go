// Package reflector derives stable names for Go types. Event types fall
// back to these names when they do not implement EventType() string.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

type TypeInfo struct {
	// Name is the package qualified name, e.g. "example.com/shop.OrderPlaced".
	Name string
	// Short is the bare type name, e.g. "OrderPlaced".
	Short string
	Type  reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

// TypeInfoForType describes t, dereferencing one level of pointer so *T and
// T share a name.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	key := t
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	ti = TypeInfo{
		Name:  t.PkgPath() + "." + t.Name(),
		Short: t.Name(),
		Type:  t,
	}

	muCache.Lock()
	cache[key] = ti
	muCache.Unlock()
	return ti
}
