// Package browser 启动带远程调试端口的本地 Chrome
package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mafredri/cdp/devtool"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

const (
	defaultPort  = 9222
	readyTimeout = 10 * time.Second
	readyPoll    = 300 * time.Millisecond
)

// Options 浏览器启动选项
type Options struct {
	ExecPath    string   // 浏览器可执行文件路径，为空时自动查找
	UserDataDir string   // 用户数据目录，为空时使用临时目录
	Port        int      // 远程调试端口，被占用时随机选择
	Headless    bool     // 无头模式
	Args        []string // 额外启动参数
	Logger      logger.Logger
}

// Browser 已启动的浏览器进程
type Browser struct {
	cmd         *exec.Cmd
	DevToolsURL string
	log         logger.Logger
}

// Start 启动浏览器并等待 DevTools 就绪
func Start(ctx context.Context, opts Options) (*Browser, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	exe := opts.ExecPath
	if exe == "" {
		exe = findChrome()
	}
	if exe == "" {
		return nil, fmt.Errorf("%w: chrome executable not found", domain.ErrBrowserStartFailed)
	}

	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	port, err := pickPort(port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserStartFailed, err)
	}

	cmd := exec.CommandContext(ctx, exe, launchArgs(port, opts)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserStartFailed, err)
	}

	b := &Browser{
		cmd:         cmd,
		DevToolsURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		log:         opts.Logger.With("component", "browser"),
	}
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := waitReady(waitCtx, b.DevToolsURL); err != nil {
		_ = b.Stop(2 * time.Second)
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserStartFailed, err)
	}

	b.log.Info("浏览器已启动", "exec", exe, "devtools", b.DevToolsURL, "headless", opts.Headless)
	return b, nil
}

// Stop 结束浏览器进程
func (b *Browser) Stop(timeout time.Duration) error {
	if b == nil || b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	_ = b.cmd.Process.Kill()
	select {
	case <-time.After(timeout):
		return errors.New("browser stop timeout")
	case <-done:
		b.log.Info("浏览器已关闭")
		return nil
	}
}

// findChrome 按平台常见路径和 PATH 查找 Chrome
func findChrome() string {
	for _, p := range chromePaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, name := range []string{"google-chrome", "chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func chromePaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "Application", "chrome.exe"),
		}
	case "darwin":
		return []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	case "linux":
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
	return nil
}

// pickPort 优先使用指定端口，被占用时选择随机空闲端口
func pickPort(preferred int) (int, error) {
	if l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
		_ = l.Close()
		return preferred, nil
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// launchArgs 构建启动参数，扩展保持启用以便内容脚本同时上报
func launchArgs(port int, opts Options) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-breakpad",
		"--disable-sync",
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	dir := opts.UserDataDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("pixel-inspector-chrome-%d", time.Now().Unix()))
	}
	_ = os.MkdirAll(dir, 0o755)
	args = append(args, "--user-data-dir="+dir)

	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	return append(args, opts.Args...)
}

// waitReady 轮询 DevTools 版本接口直到可用
func waitReady(ctx context.Context, url string) error {
	dt := devtool.New(url)
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools not ready: %w", ctx.Err())
		case <-ticker.C:
			if _, err := dt.Version(ctx); err == nil {
				return nil
			}
		}
	}
}
