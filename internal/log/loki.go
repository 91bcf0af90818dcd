package applog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loki client configuration.
//
// lokiURL: endpoint where logs are pushed.
// lokiOnce: ensures one-time Loki client initialization.
// lokiClient: short timeout HTTP client for fire-and-forget logging.
var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}
)

// initLoki lazily reads the Loki URL from configs/config.yaml|yml.
// If loki_url is a base URL, it is normalized to the push endpoint:
// <base>/loki/api/v1/push
func initLoki() {
	// Default: not configured
	lokiURL = ""

	configPath := ""
	for _, candidatePath := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(candidatePath); err == nil {
			configPath = candidatePath
			break
		}
	}

	if configPath != "" {
		var config struct {
			Metrics *struct {
				LokiURL string `yaml:"loki_url"`
			} `yaml:"metrics"`
		}
		if cfgBytes, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(cfgBytes, &config); err == nil {
				if config.Metrics != nil && strings.TrimSpace(config.Metrics.LokiURL) != "" {
					lokiURL = strings.TrimSpace(config.Metrics.LokiURL)
				}
			}
		}
	}

	// Normalize to full push path if base URL provided
	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

// PushLokiWithLevel sends a single log line with labels to Loki, adding a
// "level" label. It is a no-op if Loki is not configured or the level is
// disabled.
func PushLokiWithLevel(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	// Prepare stream labels (always include "app" and "level")
	streamLabels := map[string]string{
		"app":   app,
		"level": strings.ToLower(strings.TrimSpace(level)),
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		streamLabels[k] = v
	}

	// Loki expects timestamps in nanoseconds since epoch as string
	timestampNanos := strconv.FormatInt(time.Now().UnixNano(), 10)

	// Minimal Loki push payload: one stream with one value (timestamp + line)
	lokiPayload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: streamLabels, Values: [][2]string{{timestampNanos, line}}},
		},
	}

	payloadBytes, _ := json.Marshal(lokiPayload)

	// Fire-and-forget HTTP request
	request, err := http.NewRequest("POST", lokiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return
	}
	request.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(request)
}
