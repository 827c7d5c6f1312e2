// Package provider selects and constructs the completion model used for
// test-case and script generation. Backends are eino chat models; the
// [Completer] adapter narrows them to a single prompt → text call.
// Supported backends: Ollama, OpenAI (and OpenAI-compatible endpoints such as
// Groq), Azure OpenAI, Volcengine Ark, Google Gemini.
package provider

import (
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API or any OpenAI-compatible endpoint.
	BackendOpenAI Backend = "openai"
	// BackendGroq selects Groq's OpenAI-compatible API.
	BackendGroq Backend = "groq"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendArk selects the Volcengine Ark model runtime.
	BackendArk Backend = "ark"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// groqBaseURL is Groq's OpenAI-compatible API root.
const groqBaseURL = "https://api.groq.com/openai/v1"

// ProviderOllama holds Ollama connection settings.
type ProviderOllama struct {
	// Host is the Ollama server base URL.
	Host string `yaml:"host"`
	// Model is the chat model tag (e.g. "llama3.1").
	Model string `yaml:"model"`
}

// ProviderOpenAI holds OpenAI or OpenAI-compatible settings.
type ProviderOpenAI struct {
	// APIKey is the bearer token.
	APIKey string `yaml:"api_key"`
	// Model is the model name (e.g. "gpt-4o-mini", "llama-3.1-8b-instant").
	Model string `yaml:"model"`
	// BaseURL overrides the API root. Empty means api.openai.com.
	BaseURL string `yaml:"base_url"`
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	// APIKey is the api-key header value.
	APIKey string `yaml:"api_key"`
	// Endpoint is the resource URL (https://<name>.openai.azure.com).
	Endpoint string `yaml:"endpoint"`
	// Deployment is the model deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the REST API version.
	APIVersion string `yaml:"api_version"`
}

// ProviderArk holds Volcengine Ark settings.
type ProviderArk struct {
	// APIKey is the Ark API key.
	APIKey string `yaml:"api_key"`
	// Model is the Ark endpoint ID.
	Model string `yaml:"model"`
	// BaseURL overrides the regional API root.
	BaseURL string `yaml:"base_url"`
}

// ProviderGemini holds Google AI Studio settings.
type ProviderGemini struct {
	// APIKey is the Google API key.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// SharedTuning holds generation limits applied to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens generated per response.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature is the default sampling temperature. Generation calls
	// override it per request.
	Temperature float32 `yaml:"temperature"`
}

// Config holds all provider-level configuration resolved from environment
// variables, the config file, or explicit caller-supplied values.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend `yaml:"backend"`

	Ollama      ProviderOllama      `yaml:"ollama"`
	OpenAI      ProviderOpenAI      `yaml:"openai"`
	AzureOpenAI ProviderAzureOpenAI `yaml:"azure"`
	Ark         ProviderArk         `yaml:"ark"`
	Gemini      ProviderGemini      `yaml:"gemini"`

	// Tuning applies to whichever backend is selected.
	Tuning SharedTuning `yaml:"tuning"`
}

// Validate reports the first missing setting for the selected backend,
// naming the environment variable that supplies it.
func (c *Config) Validate() error {
	var missing []string
	require := func(v, env string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, env)
		}
	}

	switch c.Backend {
	case BackendOllama:
		require(c.Ollama.Host, "OLLAMA_HOST")
		require(c.Ollama.Model, "OLLAMA_MODEL")
	case BackendOpenAI:
		require(c.OpenAI.APIKey, "OPENAI_API_KEY")
		require(c.OpenAI.Model, "OPENAI_MODEL")
	case BackendGroq:
		require(c.OpenAI.APIKey, "GROQ_API_KEY")
		require(c.OpenAI.Model, "GROQ_MODEL")
	case BackendAzure:
		require(c.AzureOpenAI.APIKey, "AZURE_OPENAI_API_KEY")
		require(c.AzureOpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
		require(c.AzureOpenAI.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	case BackendArk:
		require(c.Ark.APIKey, "ARK_API_KEY")
		require(c.Ark.Model, "ARK_MODEL")
	case BackendGemini:
		require(c.Gemini.APIKey, "GOOGLE_API_KEY")
		require(c.Gemini.Model, "GEMINI_MODEL")
	default:
		return fmt.Errorf("provider: unknown backend %q (valid: ollama, openai, groq, azure, ark, gemini)", c.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("provider: %s backend requires %s", c.Backend, strings.Join(missing, ", "))
	}
	if c.Tuning.MaxTokens < 0 {
		return fmt.Errorf("provider: MODEL_MAX_TOKENS must not be negative")
	}
	return nil
}

// ModelName returns the model identifier of the selected backend, for logs
// and audit records.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI, BackendGroq:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendArk:
		return c.Ark.Model
	case BackendGemini:
		return c.Gemini.Model
	default:
		return ""
	}
}
