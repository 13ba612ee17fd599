package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
)

// envRef matches ${NAME} and ${NAME:-default}. Bare $NAME is left alone so
// secrets containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// readDotEnv returns the .env file next to the config, or nil when there is
// none.
func readDotEnv(cfgPath string) (map[string]string, error) {
	p := filepath.Join(filepath.Dir(cfgPath), ".env")
	vals, err := godotenv.Read(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return vals, nil
}

// expandEnv substitutes environment references in raw config bytes. The
// process environment wins over dotenv. Unset names without a default
// expand to the empty string.
func expandEnv(b []byte, dotenv map[string]string) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		name := string(sub[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if v, ok := dotenv[name]; ok {
			return []byte(v)
		}
		if len(sub[2]) > 0 {
			return sub[3]
		}
		return nil
	})
}
