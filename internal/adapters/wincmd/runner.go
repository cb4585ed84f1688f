package wincmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Result 是一次外部命令调用的完整结论。
// 非零退出码是正常数据（由调用方按动作类型分级），不是调用失败。
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined 返回 stdout 与 stderr 拼接后的文本（留痕用）。
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner 是引擎与原生工具之间唯一的进程边界。
// 证据探针与动作执行都经由它调起子进程并解析文本输出；
// 具体工具名与参数是边界内的实现细节，不进入引擎对外契约。
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner 用 exec.CommandContext 实际调起子进程。
type ExecRunner struct{}

// Run 执行命令并捕获输出。工具无法启动（不存在、被拒绝）才返回 error；
// 工具自身的非零退出只体现在 Result.ExitCode。
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("start %s: %w", name, err)
	}
	return res, nil
}

// Key 把命令名与参数拼成查表键（脚本化 Runner 用）。
func Key(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// ScriptedRunner 是测试用的脚本化 Runner：按完整命令文本返回预置输出。
// 未命中脚本时返回 Missing 错误（或 Fallback 非空时返回 Fallback）。
type ScriptedRunner struct {
	mu        sync.Mutex
	Responses map[string]Result
	Errs      map[string]error
	Fallback  *Result
	Calls     []string
}

// Script 注册一条命令的预置输出。
func (s *ScriptedRunner) Script(key string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Responses == nil {
		s.Responses = map[string]Result{}
	}
	s.Responses[key] = res
}

// ScriptErr 注册一条命令的预置错误（模拟工具不存在等启动失败）。
func (s *ScriptedRunner) ScriptErr(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Errs == nil {
		s.Errs = map[string]error{}
	}
	s.Errs[key] = err
}

// Run 按脚本返回结果并记录调用轨迹。
func (s *ScriptedRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := Key(name, args...)
	s.mu.Lock()
	s.Calls = append(s.Calls, key)
	res, okRes := s.Responses[key]
	err, okErr := s.Errs[key]
	fb := s.Fallback
	s.mu.Unlock()

	if okErr {
		return Result{}, err
	}
	if okRes {
		return res, nil
	}
	if fb != nil {
		return *fb, nil
	}
	return Result{}, fmt.Errorf("no scripted response for: %s", key)
}

// CallCount 返回到目前为止记录的调用条数。
func (s *ScriptedRunner) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Called 判断是否发生过以 prefix 开头的调用。
func (s *ScriptedRunner) Called(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
