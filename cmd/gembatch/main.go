package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gembatch"
	cfgpkg "gembatch/internal/config"
	"gembatch/internal/diag"
	"gembatch/pkg/contract"
	rfs "gembatch/plugins/reader/filesystem"
)

// 简化的 CLI：单次运行。
// 位置参数为内容路径（文件 或 "-" 表示 STDIN）；问题列表经 --questions 提供。
// 全局旗标（最小集）：--config, --llm, --questions, --media, --duration,
// --concurrency, --max-tokens, --max-retries, --token-aware
func main() {
	os.Exit(run())
}

// generateRun 为可替换的执行入口（测试替身注入点）。
var generateRun = func(ctx context.Context, r *gembatch.Runner, tokenAware bool, content contract.Content, questions []string) (*contract.Response, error) {
	if tokenAware {
		return r.GenerateContentTokenAware(ctx, content, questions)
	}
	return r.GenerateContent(ctx, content, questions)
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 先占位默认 level，解析/合并配置后重建 logger 以使用最终 level
	logLevel := "info"
	logger := diag.NewLogger(corrID, logLevel)
	// flags
	var (
		flagConfig      string
		flagLLM         string
		flagQuestions   string
		flagMedia       string
		flagDuration    float64
		flagConcurrency int
		flagMaxTokens   int
		flagMaxRetries  int
		flagTokenAware  bool
		flagInitDir     string
		flagStatus      bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagQuestions, "questions", "", "问题列表文件（每行一个问题；覆盖配置）")
	flag.StringVar(&flagMedia, "media", "", "媒体文件路径（与文本内容互斥；覆盖配置）")
	flag.Float64Var(&flagDuration, "duration", 0, "媒体总时长（秒；媒体输入时必需）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发度（覆盖配置）")
	flag.IntVar(&flagMaxTokens, "max-tokens", 0, "最大 token 预算（覆盖配置）")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	flag.IntVar(&flagMaxRetries, "max-retries", -1, "LLM 阶段最大重试次数（覆盖配置；0 表示不重试）")
	flag.BoolVar(&flagTokenAware, "token-aware", false, "启用 token 感知自适应二分（要求客户端支持 token 计数）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			return 3
		}
		cfg := cfgpkg.DefaultTemplateConfig()
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfg); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			return 3
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	// JSON 配置（文件或 ENV: GEMBATCH_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("GEMBATCH_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		if s := os.Getenv("GEMBATCH_CONFIG_FILE"); s != "" {
			flagConfig = s
		}
	}
	// 默认读取工作目录下 config.json（若存在）
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	// 标记 MaxRetries 未设置（避免默认 0 被误判为要覆盖）
	overCLI.MaxRetries = -1
	if flagLLM != "" {
		overCLI.LLM = flagLLM
	}
	if flagQuestions != "" {
		overCLI.QuestionsPath = flagQuestions
	}
	if flagMedia != "" {
		overCLI.MediaPath = flagMedia
	}
	if flagDuration > 0 {
		overCLI.MediaDurationSec = flagDuration
	}
	if flagConcurrency > 0 {
		overCLI.Concurrency = flagConcurrency
	}
	if flagMaxTokens > 0 {
		overCLI.MaxTokens = flagMaxTokens
	}
	if flagMaxRetries >= 0 {
		overCLI.MaxRetries = flagMaxRetries
	}
	if flagTokenAware {
		overCLI.TokenAware = true
	}
	if args := flag.Args(); len(args) > 0 {
		overCLI.ContentPath = args[0]
	}
	cfg = cfgpkg.Merge(cfg, overCLI)
	// 媒体输入时清空默认文本输入（互斥在 Validate 中校验显式冲突）
	if cfg.MediaPath != "" && flag.Arg(0) == "" && flagMedia != "" {
		cfg.ContentPath = ""
	}

	// 基本校验
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		return 3
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	logger = diag.NewLogger(corrID, logLevel)

	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("cli", diag.Classify(err), "preflight failed", &start)
		return 3
	}

	runner, writer, err := gembatch.NewRunnerFromConfig(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("cli", diag.Classify(err), "assemble failed", &start)
		return 3
	}

	// 输入读取
	rd := rfs.New(nil)
	content, err := readContent(context.Background(), rd, cfg)
	if err != nil {
		fprintf(os.Stderr, "内容读取失败: %v\n", err)
		logger.Error("cli", diag.Classify(err), "content read failed", &start)
		return 3
	}
	questions, err := rd.ReadQuestions(context.Background(), cfg.QuestionsPath)
	if err != nil {
		fprintf(os.Stderr, "问题读取失败: %v\n", err)
		logger.Error("cli", diag.Classify(err), "questions read failed", &start)
		return 3
	}
	if len(questions) == 0 {
		fprintf(os.Stderr, "问题列表为空: %s\n", cfg.QuestionsPath)
		return 3
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	// debug: 输出运行时配置信息（已脱敏）
	kv := map[string]string{
		"questions":      fmt.Sprintf("%d", len(questions)),
		"concurrency":    fmt.Sprintf("%d", cfg.Concurrency),
		"max_tokens":     fmt.Sprintf("%d", cfg.MaxTokens),
		"token_aware":    fmt.Sprintf("%t", cfg.TokenAware),
		"llm":            cfg.LLM,
		"chunker":        cfg.Components.Chunker,
		"batcher":        cfg.Components.Batcher,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"writer":         cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.DebugStart("config", "effective", -1, -1, kv)

	// 运行
	t := logger.Start("run", cfg.LLM)
	resp, err := generateRun(context.Background(), runner, cfg.TokenAware, content, questions)
	partial := errors.Is(err, contract.ErrUnanswered)
	if err != nil && !partial {
		logger.Error("run", diag.Classify(err), "run failed", &start)
		diag.IncOp("run", "error", "error")
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return 1
	}
	if t != nil {
		t.Finish("run", int64(len(resp.Answers)))
	}
	diag.IncOp("run", "finish", "success")
	diag.ObserveDuration("run", "finish", time.Since(start).Milliseconds())

	// 落盘结果工件（部分结果同样写出）
	if werr := writer.WriteResponse(context.Background(), cfg.ArtifactName, resp); werr != nil {
		fprintf(os.Stderr, "结果写出失败: %v\n", werr)
		logger.Error("writer", diag.Classify(werr), "write failed", &start)
		return 1
	}
	if partial {
		fprintf(os.Stderr, "部分问题未答（%d/%d）；结果已写出\n",
			len(resp.Missing), len(resp.Missing)+len(resp.Answers))
		return 2
	}
	return 0
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// readContent 按配置读取文本内容或构造媒体引用。
func readContent(ctx context.Context, rd *rfs.FS, cfg cfgpkg.Config) (contract.Content, error) {
	if cfg.MediaPath != "" {
		return contract.Content{Media: &contract.MediaRef{
			Path:        cfg.MediaPath,
			DurationSec: cfg.MediaDurationSec,
			MIMEType:    cfg.MediaMIME,
		}}, nil
	}
	text, err := rd.ReadContent(ctx, cfg.ContentPath)
	if err != nil {
		return contract.Content{}, err
	}
	return contract.Content{Text: text}, nil
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		// 去除成对引号
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					// 最小转义处理
					val = strings.ReplaceAll(val, "\\n", "\n")
					val = strings.ReplaceAll(val, "\\t", "\t")
					val = strings.ReplaceAll(val, "\\r", "\r")
					val = strings.ReplaceAll(val, "\\\"", "\"")
					val = strings.ReplaceAll(val, "\\\\", "\\")
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
//
// 仅在检测到“裸开关或后继为下一个开关”的情况下插入默认值。
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			// 若已到末尾，补一个默认值
			if i == len(args)-1 {
				out = append(out, ".")
				continue
			}
			// 若下一个是开关（以 - 开头），则补默认值
			if strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
				continue
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		// 已存在直接跳过
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	// 构造内容：包含支持的覆盖项与常见 Provider 密钥。
	var b strings.Builder
	b.WriteString("# gembatch .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置；按需填写后移除本行注释。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("GEMBATCH_CONFIG_FILE=\n")
	b.WriteString("GEMBATCH_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("GEMBATCH_CONTENT=\n")
	b.WriteString("GEMBATCH_MEDIA=\n")
	b.WriteString("GEMBATCH_QUESTIONS=\n")
	b.WriteString("GEMBATCH_CONCURRENCY=\n")
	b.WriteString("GEMBATCH_MAX_TOKENS=\n")
	b.WriteString("GEMBATCH_MAX_RETRIES=\n")
	b.WriteString("GEMBATCH_TOKEN_AWARE=\n")
	b.WriteString("GEMBATCH_LLM=\n\n")

	b.WriteString("# 组件选择\n")
	b.WriteString("GEMBATCH_COMPONENTS_CHUNKER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_BATCHER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_PROMPT_BUILDER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_DECODER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_WRITER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_EMBEDDER=\n")
	b.WriteString("GEMBATCH_COMPONENTS_TRANSCRIBER=\n\n")

	b.WriteString("# Provider 覆盖（gemini）\n")
	b.WriteString("GEMBATCH_PROVIDER__gemini__CLIENT=\n")
	b.WriteString("GEMBATCH_PROVIDER__gemini__LIMITS_RPM=\n")
	b.WriteString("GEMBATCH_PROVIDER__gemini__LIMITS_TPM=\n")
	b.WriteString("GEMBATCH_PROVIDER__gemini__LIMITS_MAX_TOKENS_PER_REQ=\n")
	b.WriteString("GEMBATCH_PROVIDER__gemini__OPTIONS_JSON=\n\n")

	b.WriteString("# 供应商 API Key（由客户端读取，不经 GEMBATCH_ 前缀）\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	b.WriteString("\n")

	// 写入（不覆盖）
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return nil
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// 规则：
// - 若目录已存在：尝试创建并删除临时文件；失败则判为不可写。
// - 若目录不存在：检查父目录是否可写（尝试在父目录创建并删除临时目录）。
// 仅针对 fs writer 生效；其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	def := cfgpkg.Defaults()
	writerName := cfg.Components.Writer
	if strings.TrimSpace(writerName) == "" {
		writerName = def.Components.Writer
	}
	if strings.TrimSpace(writerName) != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if err == nil && !st.IsDir() {
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
