package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		args   []string
		env    map[string]string
		expCfg func(c *Config)
		expErr bool
	}{
		"Without flags the defaults should be used.": {
			expCfg: func(c *Config) {},
		},

		"Flags should override defaults.": {
			args: []string{"--port", "9000", "--policy", "llm", "--llm-api-key", "k", "--no-auto-resume", "--manual-timeout", "5m"},
			expCfg: func(c *Config) {
				c.Port = 9000
				c.Policy = PolicyLLM
				c.LLMAPIKey = "k"
				c.Tuning.AutoResume = false
				c.Tuning.ManualTimeout = 5 * time.Minute
			},
		},

		"Environment variables should set flags.": {
			env: map[string]string{"QUIZPILOT_PORT": "7000", "QUIZPILOT_USERNAME": "u", "QUIZPILOT_PASSWORD": "p"},
			expCfg: func(c *Config) {
				c.Port = 7000
				c.Username = "u"
				c.Password = "p"
			},
		},

		"The groq key variable should be used when no key is given.": {
			args: []string{"--policy", "llm"},
			env:  map[string]string{"GROQ_API_KEY": "gk"},
			expCfg: func(c *Config) {
				c.Policy = PolicyLLM
				c.LLMAPIKey = "gk"
			},
		},

		"Disabling auto submit should keep the answers for review.": {
			args: []string{"--no-auto-submit"},
			expCfg: func(c *Config) {
				c.Tuning.AutoSubmit = false
			},
		},

		"Auto submit should be set from the environment.": {
			env: map[string]string{"QUIZPILOT_AUTO_SUBMIT": "false"},
			expCfg: func(c *Config) {
				c.Tuning.AutoSubmit = false
			},
		},

		"Retry budget should be clamped.": {
			args: []string{"--retry-budget", "50"},
			expCfg: func(c *Config) {
				c.Tuning.RetryBudget = 10
			},
		},

		"A non positive rate limit should fall back to the default.": {
			args:   []string{"--rate-limit", "0"},
			expCfg: func(c *Config) {},
		},

		"LLM policy without a key should fail.": {
			args:   []string{"--policy", "llm"},
			expErr: true,
		},

		"An unknown policy should fail.": {
			args:   []string{"--policy", "random"},
			expErr: true,
		},

		"A username without password should fail.": {
			args:   []string{"--username", "u"},
			expErr: true,
		},

		"An invalid port should fail.": {
			args:   []string{"--port", "70000"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			t.Setenv("GROQ_API_KEY", "")
			t.Setenv("DISPLAY", ":99")
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(test.args)
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)

			exp := DefaultConfig()
			test.expCfg(exp)
			assert.Equal(exp, cfg)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	t.Setenv("DISPLAY", ":99")
	path := filepath.Join(t.TempDir(), "quizpilot.yaml")
	data := `
tuning:
  retry_budget: 5
  detect_timeout: 30s
  auto_submit: false
selectors:
  question: ".q-block"
  submit: "#finish"
`
	require.NoError(os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load([]string{"--config", path, "--port", "8080"})
	require.NoError(err)

	assert.Equal(8080, cfg.Port)
	assert.Equal(5, cfg.Tuning.RetryBudget)
	assert.Equal(30*time.Second, cfg.Tuning.DetectTimeout)
	// Keys absent from the file keep their value.
	assert.Equal(45*time.Second, cfg.Tuning.NavigationTimeout)
	assert.True(cfg.Tuning.AutoResume)
	assert.False(cfg.Tuning.AutoSubmit)
	assert.Equal(".q-block", cfg.Selectors.Question)
	assert.Equal("#finish", cfg.Selectors.Submit)
	assert.Empty(cfg.Selectors.Next)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestDefaultConfigAutoSubmits(t *testing.T) {
	assert.True(t, DefaultConfig().Tuning.AutoSubmit)
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
}
