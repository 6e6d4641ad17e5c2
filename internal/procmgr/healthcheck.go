package procmgr

import (
	"fmt"
	"net/http"
	"time"
)

const (
	healthCheckAttempts = 3
	healthCheckSpacing  = time.Second
)

// WaitForHealthy polls url up to healthCheckAttempts times, spaced
// healthCheckSpacing apart, and reports the dashboard as up the moment
// any attempt returns a 2xx-4xx response (the server is reachable and
// answering, even if a particular route 404s).
func WaitForHealthy(url string) bool {
	client := &http.Client{Timeout: healthCheckSpacing}

	for attempt := 0; attempt < healthCheckAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(healthCheckSpacing)
		}
		if probeURL(client, url) {
			return true
		}
	}
	return false
}

func probeURL(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// DashboardURL builds the dashboard's base URL from its assigned port.
func DashboardURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}
