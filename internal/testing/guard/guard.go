package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOCKTAKE_TEST_MODE") == "" {
			_ = os.Setenv("STOCKTAKE_TEST_MODE", "1")
		}
	})
}
