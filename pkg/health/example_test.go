package health_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/srediag/shmchan/pkg/health"
)

func ExampleNewHandler() {
	h := health.NewHandler(health.SpaceCheck(os.TempDir(), 0))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/ready", nil))
	fmt.Println("ready:", rw.Code)
	// Output: ready: 200
}
