package smoketest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return []byte("install output"), f.err
	}
	return nil, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestWaitForPortBecomesReady(t *testing.T) {
	addr := freeAddr(t)

	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("late listen: %v", err)
			return
		}
		ready <- l
	}()

	err := WaitForPort(context.Background(), addr, 10*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForPort: %v", err)
	}
	select {
	case l := <-ready:
		l.Close()
	case <-time.After(time.Second):
	}
}

func TestWaitForPortTimesOut(t *testing.T) {
	err := WaitForPort(context.Background(), freeAddr(t), 10*time.Millisecond, 100*time.Millisecond)
	if !errors.Is(err, ErrNeverReady) {
		t.Fatalf("err = %v, want ErrNeverReady", err)
	}
}

func TestWaitForServiceDetectsExit(t *testing.T) {
	h, err := StartService(context.Background(), ServiceSpec{Name: "dbserver", Command: "true"})
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	defer h.Stop()

	err = WaitForService(context.Background(), h, freeAddr(t), 10*time.Millisecond, 2*time.Second)
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("err = %v, want ErrExitedEarly", err)
	}
	if errors.Is(err, ErrNeverReady) {
		t.Error("crash reported as readiness timeout")
	}
	if !strings.Contains(err.Error(), "dbserver") {
		t.Errorf("err = %v, want service named", err)
	}
}

// fakeWebUI mimics the login handshake: a form page carrying a CSRF token,
// and a POST that checks token and credentials.
func fakeWebUI(t *testing.T, accessLog *os.File) http.Handler {
	t.Helper()
	const token = "t0k3n"

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/login/", func(w http.ResponseWriter, r *http.Request) {
		if accessLog != nil {
			fmt.Fprintf(accessLog, "%s %s\n", r.Method, r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: token, Path: "/"})
			fmt.Fprintf(w, `<form><input type="hidden" name="csrfmiddlewaretoken" value=%q></form>`, token)
		case http.MethodPost:
			if r.FormValue("csrfmiddlewaretoken") != token {
				http.Error(w, "csrf failure", http.StatusForbidden)
				return
			}
			if r.FormValue("username") == "admin" && r.FormValue("password") == "admin" {
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
			w.WriteHeader(http.StatusOK) // form re-rendered
		}
	})
	return mux
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(fakeWebUI(t, nil))
	defer srv.Close()

	c, err := NewLoginClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewLoginClient: %v", err)
	}

	token, err := c.FetchToken(context.Background())
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if token != "t0k3n" {
		t.Errorf("token = %q", token)
	}

	if err := c.Login(context.Background(), "admin", "admin"); err != nil {
		t.Errorf("valid login failed: %v", err)
	}
	if err := c.Login(context.Background(), "admin", "wrong"); err == nil {
		t.Error("invalid login succeeded")
	}
}

func TestVerifyAccessLog(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.log")
	full := filepath.Join(dir, "access.log")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("GET /accounts/login/ 200\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"missing", filepath.Join(dir, "nope.log"), true},
		{"empty", empty, true},
		{"non-empty", full, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyAccessLog(tt.path); (err != nil) != tt.wantErr {
				t.Fatalf("VerifyAccessLog() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func testConfig(baseURL, accessLog string) Config {
	return Config{
		InstallCmd:    "dnf",
		InstallArgs:   []string{"install", "-y", "python3-oq-engine"},
		BaseURL:       baseURL,
		Username:      "admin",
		Password:      "admin",
		CheckCmd:      "oq",
		CheckArgs:     []string{"engine", "--run", "https://example.org/demos/risk.zip"},
		AccessLogPath: accessLog,
		PollInterval:  10 * time.Millisecond,
		PollTimeout:   time.Second,
	}
}

func TestRunVerifiesEndToEnd(t *testing.T) {
	logFile, err := os.CreateTemp(t.TempDir(), "access-*.log")
	if err != nil {
		t.Fatal(err)
	}
	defer logFile.Close()

	srv := httptest.NewServer(fakeWebUI(t, logFile))
	defer srv.Close()

	exec := &fakeRunner{}
	r, err := New(exec, testConfig(srv.URL, logFile.Name()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.State() != StateVerified {
		t.Errorf("state = %s, want %s", r.State(), StateVerified)
	}
	if len(exec.calls) != 2 || exec.calls[0][0] != "dnf" || exec.calls[1][0] != "oq" {
		t.Errorf("runner calls = %v, want install then end-to-end check", exec.calls)
	}
}

func TestRunFailsWhenInstallFails(t *testing.T) {
	exec := &fakeRunner{err: errors.New("no such package")}
	r, err := New(exec, testConfig("http://127.0.0.1:1", "/var/log/nginx/access.log"), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded, want install failure")
	}
	if !strings.Contains(err.Error(), "install") {
		t.Errorf("err = %v, want install step named", err)
	}
	if r.State() != StateFailed {
		t.Errorf("state = %s, want %s", r.State(), StateFailed)
	}
}

func TestRunFailsWhenServiceExitsEarly(t *testing.T) {
	srv := httptest.NewServer(fakeWebUI(t, nil))
	defer srv.Close()

	cfg := testConfig(srv.URL, filepath.Join(t.TempDir(), "access.log"))
	cfg.Services = []ServiceSpec{{Name: "dbserver", Command: "true", Addr: freeAddr(t)}}
	cfg.PollTimeout = 5 * time.Second

	r, err := New(&fakeRunner{}, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	err = r.Run(context.Background())
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("err = %v, want ErrExitedEarly", err)
	}
	if !strings.Contains(err.Error(), "dbserver") {
		t.Errorf("err = %v, want service named", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %s, want crash detected well before the %s poll window", elapsed, cfg.PollTimeout)
	}
	if r.State() != StateFailed {
		t.Errorf("state = %s, want %s", r.State(), StateFailed)
	}
}

func TestRunFailsOnEmptyAccessLog(t *testing.T) {
	emptyLog := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(emptyLog, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(fakeWebUI(t, nil))
	defer srv.Close()

	exec := &fakeRunner{}
	r, err := New(exec, testConfig(srv.URL, emptyLog), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with empty access log")
	}
	if !strings.Contains(err.Error(), "access log") {
		t.Errorf("err = %v, want access log failure", err)
	}
	// The access log gates the end-to-end check, so only the install ran.
	if len(exec.calls) != 1 {
		t.Errorf("runner calls = %v, want install only", exec.calls)
	}
	if r.State() != StateFailed {
		t.Errorf("state = %s, want %s", r.State(), StateFailed)
	}
}
