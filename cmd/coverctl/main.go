// coverctl is the operator CLI for coverd: lifecycle control via the pid
// file, everything else via the daemon's HTTP surface.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/coverd/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load()
	cfg := config.FromEnv()

	switch os.Args[1] {
	case "start":
		runStart(cfg, os.Args[2:])
	case "stop":
		runStop(cfg, os.Args[2:])
	case "restart":
		runStop(cfg, nil)
		runStart(cfg, os.Args[2:])
	case "status":
		runGet(cfg, "/status")
	case "health":
		runHealth(cfg)
	case "tasks":
		runGet(cfg, "/tasks")
	case "runs":
		runRuns(cfg, os.Args[2:])
	case "reconcile":
		runReconcile(cfg)
	case "logs":
		runLogs(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: coverctl <start|stop|restart|status|health|tasks|runs|reconcile|logs> [...]")
}

func runStart(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	binary := fs.String("binary", "coverd", "coverd binary to launch")
	foreground := fs.Bool("foreground", false, "run in the foreground instead of detaching")
	_ = fs.Parse(args)

	if pid, ok := readPID(cfg.PIDPath()); ok && processAlive(pid) {
		fmt.Printf("coverd already running (pid %d)\n", pid)
		return
	}

	cmd := exec.Command(*binary)
	cmd.Env = os.Environ()
	if *foreground {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fatalf("coverd exited: %v", err)
		}
		return
	}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fatalf("start coverd: %v", err)
	}
	fmt.Printf("coverd started (pid %d)\n", cmd.Process.Pid)
	_ = cmd.Process.Release()
}

func runStop(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the daemon to exit")
	_ = fs.Parse(args)

	pid, ok := readPID(cfg.PIDPath())
	if !ok || !processAlive(pid) {
		fmt.Println("coverd is not running")
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fatalf("find pid %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fatalf("signal pid %d: %v", pid, err)
	}

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Println("coverd stopped")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fatalf("coverd (pid %d) did not exit within %s", pid, *wait)
}

func runHealth(cfg config.Config) {
	resp, err := http.Get(baseURL(cfg) + "/health")
	if err != nil {
		fatalf("coverd unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func runGet(cfg config.Config, path string) {
	resp, err := http.Get(baseURL(cfg) + path)
	if err != nil {
		fatalf("coverd unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		os.Exit(1)
	}
}

func runRuns(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of runs to list")
	runID := fs.String("run-id", "", "show per-task results for one run")
	_ = fs.Parse(args)

	path := "/runs?limit=" + strconv.Itoa(*limit)
	if *runID != "" {
		path = "/runs?run_id=" + *runID
	}
	runGet(cfg, path)
}

func runReconcile(cfg config.Config) {
	resp, err := http.Post(baseURL(cfg)+"/reconcile", "application/json", nil)
	if err != nil {
		fatalf("coverd unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		os.Exit(1)
	}
}

func runLogs(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	tail := fs.Int("tail", 50, "number of trailing lines to print")
	follow := fs.Bool("follow", false, "keep printing new lines")
	_ = fs.Parse(args)

	f, err := os.Open(cfg.LogPath())
	if err != nil {
		fatalf("open log: %v", err)
	}
	defer f.Close()

	offset := printTail(f, *tail)
	if !*follow {
		return
	}
	for {
		time.Sleep(500 * time.Millisecond)
		info, err := f.Stat()
		if err != nil {
			return
		}
		if info.Size() < offset {
			// Rotated or truncated: start over from the top.
			offset = 0
		}
		if info.Size() == offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		n, _ := io.Copy(os.Stdout, f)
		offset += n
	}
}

// printTail writes the last n lines of f and returns the end-of-file offset.
func printTail(f *os.File, n int) int64 {
	b, err := io.ReadAll(f)
	if err != nil {
		fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) > 0 && lines[0] != "" {
		fmt.Println(strings.Join(lines, "\n"))
	}
	return int64(len(b))
}

func baseURL(cfg config.Config) string {
	addr := cfg.HealthAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func readPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
