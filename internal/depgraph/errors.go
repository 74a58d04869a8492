package depgraph

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
)

// ErrCircularDependency 依賴圖中存在循環
var ErrCircularDependency = errors.New("circular dependency")

// CircularDependencyError 攜帶完整循環路徑，路徑的第一個與最後一個節點相同
type CircularDependencyError[T cmp.Ordered] struct {
	Path []T
}

func (e *CircularDependencyError[T]) Error() string {
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(parts, " -> "))
}

func (e *CircularDependencyError[T]) Unwrap() error { return ErrCircularDependency }
