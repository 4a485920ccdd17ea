package testutil

import (
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSServerEnv overrides the nats-server binary used by integration tests.
const NATSServerEnv = "DIVEGUARD_NATS_SERVER"

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts a throwaway JetStream server for one test.
// The test is skipped when no nats-server binary is available.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL and idempotent stop callback, also registered with tb.Cleanup.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	binary := os.Getenv(NATSServerEnv)
	if binary == "" {
		binary = "nats-server"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command(path, "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Fatalf("start nats-server: %v", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}
	tb.Cleanup(stop)

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	WaitForJetStream(tb, url, 8*time.Second)
	return url, stop
}

// WaitForJetStream waits until the endpoint accepts connections and answers JetStream account requests.
// Params: test handle, nats URL, and timeout.
// Returns: endpoint is usable or test fails.
func WaitForJetStream(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = pingJetStream(url)
		if lastErr == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	tb.Fatalf("jetstream did not become ready at %s: %v", url, lastErr)
}

func pingJetStream(url string) error {
	nc, err := nats.Connect(url, nats.Timeout(time.Second))
	if err != nil {
		return err
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	_, err = js.AccountInfo()
	return err
}
