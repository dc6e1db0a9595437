package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	envBrokerUsername = "CHKBUS_BROKER_USERNAME"
	envBrokerPassword = "CHKBUS_BROKER_PASSWORD"
)

// LoadSecretsEnv reads a KEY=VALUE file. Blank lines, # comments and a
// leading "export " are tolerated. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return map[string]string{}, fmt.Errorf("open secrets: %w", err)
	}
	defer f.Close()
	return parseEnv(f)
}

func parseEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out, s.Err()
}

// applyBrokerSecrets overlays broker credentials: secrets file first, then
// the process environment.
func applyBrokerSecrets(b *BrokerConfig, secretsPath string) error {
	secrets, err := LoadSecretsEnv(secretsPath)
	if err != nil {
		return err
	}
	pick := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		} else if v := secrets[key]; v != "" {
			*dst = v
		}
	}
	pick(envBrokerUsername, &b.Username)
	pick(envBrokerPassword, &b.Password)
	return nil
}
