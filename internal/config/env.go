package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadEnv loads KEY=VALUE pairs from a dotenv file into the process
// environment, typically the BN_API_KEY / BN_API_SECRET pair the exchange
// client reads at startup. Variables already set in the environment win over
// the file, and a missing file is not an error.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, val, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return scanner.Err()
}

// parseEnvLine handles the common dotenv shapes: comments, blank lines, an
// optional "export " prefix, and single- or double-quoted values.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 {
		first, last := val[0], val[n-1]
		if first == last && (first == '"' || first == '\'') {
			val = val[1 : n-1]
		}
	}
	return key, val, true
}
