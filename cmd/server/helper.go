package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/config"
	"github.com/yourorg/crossyield-keeper/internal/report"
)

// setupLogging configures the process logger from LOG_FORMAT and LOG_LEVEL
func setupLogging(cfg config.Config) *logrus.Logger {
	logger := logrus.StandardLogger()

	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.Debug("Logging configured")
	return logger
}

// buildSigner selects the report signer: a remote signing service when SIGNER_URL is
// set, otherwise a local key (SIGNER_PRIVATE_KEY, falling back to the transmitter key).
func buildSigner(cfg config.Config, logger logrus.FieldLogger) (report.Signer, error) {
	if cfg.SignerURL != "" {
		logger.WithField("url", redact(cfg.SignerURL)).Info("Using remote report signer")
		return report.NewRemoteSigner(cfg.SignerURL, cfg.SignerAPIKey, cfg.RPCTimeout, logger), nil
	}

	key := cfg.SignerKey
	if key == "" {
		key = cfg.TransmitterKey
	}
	if key == "" {
		return nil, fmt.Errorf("no report signer configured: set SIGNER_URL or SIGNER_PRIVATE_KEY")
	}

	signer, err := report.NewLocalSigner(key)
	if err != nil {
		return nil, err
	}
	logger.WithField("address", signer.Address().Hex()).Info("Using local report signer")
	return signer, nil
}

// writeJSON renders v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

// errorResponse renders a JSON error body
func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":    "error",
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// redact hides everything but the scheme and host of a URL for logs
func redact(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			rest = rest[:j]
		}
		return raw[:i+3] + rest
	}
	return "***"
}
