// main_test.go - tierprof 测试

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/config"
	"github.com/tangzhangming/tierjit/internal/engine"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/osr"
)

// TestWorkloadCompiles 测试合成负载在前台编译下全部跑完
func TestWorkloadCompiles(t *testing.T) {
	opts := config.Default()
	opts.CompilerThreads = 2
	opts.BackgroundCompilation = false
	opts.MultiTier = false
	opts.MinInvokeThreshold = 1
	opts.SingleTierCompilationThreshold = 10
	opts.OSRCompilationThreshold = 64
	opts.OSRPollInterval = 64
	opts.CompilationStatistics = true

	e, err := engine.New(opts, newBackend(7))
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	m := osr.NewManager(e)
	w := newWorkload(e, m, 20, 7)
	if err := w.run(context.Background(), 30); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}

	ws := w.stats()
	if ws.calls != 20*30 {
		t.Errorf("calls = %d, want %d", ws.calls, 20*30)
	}
	if ws.compiled == 0 {
		t.Error("some calls should run compiled code")
	}
	if ws.errors != 0 {
		t.Errorf("errors = %d, want 0", ws.errors)
	}

	var out bytes.Buffer
	report(&out, e, m, w, 5)
	for _, section := range []string{"Engine", "OSR", "Workload"} {
		if !strings.Contains(out.String(), section) {
			t.Errorf("report missing section %q", section)
		}
	}
}

// TestExitVMUsesExitFunc 测试永久失败按 ExitVM 处理时调用退出函数
func TestExitVMUsesExitFunc(t *testing.T) {
	opts := config.Default()
	opts.BackgroundCompilation = false
	opts.MultiTier = false
	opts.MinInvokeThreshold = 1
	opts.SingleTierCompilationThreshold = 1
	opts.CompilationFailureAction = jerrors.ActionExitVM

	var codes []int
	e, err := newEngine(opts, newBackend(1), zap.NewNop(), func(code int) { codes = append(codes, code) })
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Shutdown()

	u := e.NewUnit(&syntheticRoot{name: "rejecting_000", kind: kindRejecting, nodes: 10, trips: 4})
	for i := 0; i < 3; i++ {
		_, _ = u.Call(context.Background(), i)
	}
	if len(codes) != 1 || codes[0] != 1 {
		t.Errorf("exit codes = %v, want [1]", codes)
	}
}

// TestLoadOptionsOverrides 测试命令行覆盖配置文件
func TestLoadOptionsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tierjit.toml")
	if err := config.Default().Save(path); err != nil {
		t.Fatal(err)
	}
	ro, err := parseRunOptions([]string{"-config", path, "-threads", "3", "-trace", "-units", "5"})
	if err != nil {
		t.Fatal(err)
	}
	opts, err := loadOptions(ro)
	if err != nil {
		t.Fatal(err)
	}
	if opts.CompilerThreads != 3 || !opts.TraceCompilation || !opts.CompilationStatistics {
		t.Errorf("overrides not applied: threads=%d trace=%v", opts.CompilerThreads, opts.TraceCompilation)
	}
	if ro.units != 5 {
		t.Errorf("units = %d, want 5", ro.units)
	}
}

// TestParseRunOptionsErrors 测试非法参数
func TestParseRunOptionsErrors(t *testing.T) {
	cases := [][]string{
		{"-units", "0"},
		{"-calls", "-1"},
		{"-watch"},
	}
	for _, args := range cases {
		if _, err := parseRunOptions(args); err == nil {
			t.Errorf("parseRunOptions(%v) should fail", args)
		}
	}
}

// TestWriteConfig 测试写出默认配置
func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := writeConfig([]string{"-o", path}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "osr_poll_interval") {
		t.Error("config file should contain osr_poll_interval")
	}
	if _, err := config.Load(path); err != nil {
		t.Errorf("written config should load: %v", err)
	}
}
