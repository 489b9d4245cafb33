package rediskey

import "fmt"

// Engine keys (global convention across scheduler and runner)
const (
	RetryPrefix    = "task:retry"
	JobRegistryKey = "scheduler:jobs"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRetryKey returns "task:retry:{taskID}"
func BuildRetryKey(taskID int64) string {
	return NamespaceKey(RetryPrefix, fmt.Sprintf("%d", taskID))
}
