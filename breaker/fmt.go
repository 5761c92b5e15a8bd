package breaker

import "fmt"

func sprintFallback(key any) string {
	return fmt.Sprintf("%#v", key)
}
