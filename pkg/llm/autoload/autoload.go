// Package autoload exists solely for its import side effects: importing
// it registers every built-in LLM provider factory with pkg/llm's global
// registry via each provider package's own init().
package autoload

import (
	_ "genesis/pkg/llm/gemini"
	_ "genesis/pkg/llm/ollama"
	_ "genesis/pkg/llm/openailm"
)
