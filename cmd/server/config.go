package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Oscar-999/hero-chat/internal/handlers"
	"github.com/Oscar-999/hero-chat/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = "8080"
	defaultModel       = "llama3-8b-8192"
	defaultTemperature = float32(0.5)

	defaultGreeting     = "Hello there! I am Jarvis. Feel free to ask me anything about superheroes!"
	defaultSystemPrompt = "You are JARVIS, the highly advanced AI assistant from the Marvel universe, designed with " +
		"unparalleled intelligence, adaptability, and efficiency. Your expertise spans the entire Marvel and DC " +
		"universes, including comics, movies, TV shows, character lore, and plot intricacies. Your mission is to " +
		"provide precise, insightful, and comprehensive responses to any inquiry, whether users seek detailed " +
		"explanations, plot summaries, character analysis, or tailored recommendations on what to watch or read. " +
		"You can analyze a user's preferences and suggest Marvel and DC content that aligns with their interests, " +
		"from iconic storylines and must-watch films to lesser-known gems. Your recommendations are always " +
		"well-informed, drawing on a deep understanding of these universes and their cultural impact. Maintain a " +
		"polished, respectful, and confident tone, embodying the analytical brilliance and personality that define " +
		"JARVIS. Adapt to the user's needs, anticipate their questions, and deliver exceptional service with the " +
		"efficiency and finesse expected from the AI trusted by Tony Stark. Continuously strive for excellence, " +
		"ensuring your assistance is as powerful and versatile as the heroes you serve."
)

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string               `yaml:"port"`
	LogLevel     slog.Level           `yaml:"logLevel"`
	LogFormat    string               `yaml:"logFormat"`
	DBPath       string               `yaml:"dbPath"`
	SystemPrompt string               `yaml:"systemPrompt"`
	Greeting     string               `yaml:"greeting"`
	Context      handlers.ContextMode `yaml:"context"`
	SessionTTL   time.Duration        `yaml:"sessionTTL"`
	SecureCookie bool                 `yaml:"secureCookie"`
	Users        []userConfig         `yaml:"users"`
	PruneEvery   time.Duration        `yaml:"pruneInterval"`

	// LLM is decoded by UnmarshalYAML from the provider specific llm block.
	LLM llmConfig `yaml:"-"`
}

type userConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"passwordHash"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func defaultConfig() config {
	return config{
		Port:         defaultPort,
		LogLevel:     slog.LevelInfo,
		LogFormat:    "text",
		SystemPrompt: defaultSystemPrompt,
		Greeting:     defaultGreeting,
		Context:      handlers.ContextUser,
		SessionTTL:   24 * time.Hour,
		PruneEvery:   time.Hour,
		LLM: &openAIConfig{
			BaseLLMConfig: BaseLLMConfig{Provider: "openai", Model: defaultModel},
		},
	}
}

// loadConfig decodes r over the defaults. A nil reader yields the defaults.
func loadConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if r == nil {
		return cfg, nil
	}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Context {
	case handlers.ContextUser, handlers.ContextFull:
	default:
		return fmt.Errorf("unknown context mode: %s", c.Context)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
	if c.PruneEvery <= 0 {
		return fmt.Errorf("pruneInterval must be positive")
	}
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password or passwordHash is required", i)
		}
	}
	return nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// The alias drops the method set so the plain fields decode without recursing here.
	type plain config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var raw struct {
		LLM map[string]any `yaml:"llm"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.LLM == nil {
		return nil
	}

	llmProvider, ok := raw.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(raw.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (b BaseLLMConfig) model() string {
	if b.Model == "" {
		return defaultModel
	}
	return b.Model
}

func (b BaseLLMConfig) parameters() services.LLMParameters {
	params := b.Parameters
	if params.Temperature == nil {
		t := defaultTemperature
		params.Temperature = &t
	}
	return params
}

func (o openAIConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey or GROQ_API_KEY is required")
	}
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = services.GroqBaseURL
	}
	return services.NewOpenAI(apiKey, baseURL, o.model(), o.parameters(), logger), nil
}

func (o ollamaConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.model(), o.parameters(), logger)
}

func (a anthropicConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, a.MaxTokens, a.parameters(), logger), nil
}
