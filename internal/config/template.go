package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认文本输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		ContentPath:   "-",
		QuestionsPath: "questions.txt",
		Concurrency:   d.Concurrency,
		MaxTokens:     8192,
		MaxRetries:    2,
		ArtifactName:  d.ArtifactName,
		Logging:       Logging{Level: "info"},
		Components:    d.Components,
		LLM:           "mock",
		Provider: map[string]Provider{
			"mock": {
				Client: "mock",
				// 包含所有 mock 选项键（可为空/默认）
				Options: json.RawMessage(`{
  "prefix": "",
  "api_key": "",
  "answer_from_content": false,
  "input_token_limit": 0,
  "truncate_over_questions": 0,
  "chars_per_token": 4
}`),
				Limits: Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 32768},
			},
			"gemini": {
				Client: "gemini",
				// 覆盖全部 Gemini 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 120,
  "temperature": null,
  "max_output_tokens": 0,
  "response_mime_type": "",
  "cache_ttl_seconds": 300,
  "upload_poll_seconds": 2,
  "upload_poll_attempts": 30
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
			"openai": {
				Client: "openai",
				// OpenAI 兼容网关：endpoint_path 可为完整 URL
				Options: json.RawMessage(`{
  "base_url": "https://api.openai.com/v1",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "max_output_tokens": 0,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Chunker = json.RawMessage(`{
  "chunk_size": 2000,
  "overlap": 200
}`)
	cfg.Options.Batcher = json.RawMessage(`{
  "batch_size": 10
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": ""
}`)
	// decoder.qa 当前无配置项，保持空对象
	cfg.Options.Decoder = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
