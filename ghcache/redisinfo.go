package ghcache

import (
	"fmt"
	"strconv"
	"strings"
)

// parseUsedMemory extracts the used_memory field (bytes) from the text
// response of a Redis "INFO memory" command.
func parseUsedMemory(info string) (int64, error) {
	for _, line := range strings.Split(info, "\r\n") {
		if !strings.HasPrefix(line, "used_memory:") {
			continue
		}
		value := strings.TrimPrefix(line, "used_memory:")
		return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	}
	return 0, fmt.Errorf("ghcache: used_memory not found in INFO memory response")
}
