package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/credential"
	"github.com/quillpress/realtime/pkg/config"
	"github.com/quillpress/realtime/pkg/logging"
)

const usage = `usage: quill-token <command>

commands:
  set      read a token from stdin and save it in the keyring
  show     print the user and tenant the saved token belongs to
  clear    remove the saved token`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()
	logger := logging.GetLogger()

	ring, err := credential.OpenKeyring(cfg.API.KeyringService)
	if err != nil {
		logger.Fatal("Failed to open keyring", zap.Error(err))
	}

	switch os.Args[1] {
	case "set":
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		token := strings.TrimSpace(line)
		if token == "" {
			logger.Fatal("No token on stdin", zap.Error(err))
		}
		if _, err := credential.ParseClaims(token, time.Now()); err != nil {
			logger.Warn("Saving token with unusable claims", zap.Error(err))
		}
		if err := ring.Set(credential.TokenKey, token); err != nil {
			logger.Fatal("Failed to save token", zap.Error(err))
		}
		logger.Info("Token saved", zap.String("service", cfg.API.KeyringService))
	case "show":
		token, err := credential.ResolveToken("", ring)
		if err != nil {
			logger.Fatal("No saved token", zap.Error(err))
		}
		claims, err := credential.ParseClaims(token, time.Now())
		if claims == nil {
			logger.Fatal("Saved token is not a JWT", zap.Error(err))
		}
		expired := err != nil
		fmt.Printf("user=%s tenant=%s expired=%t\n", claims.User(), claims.TenantID, expired)
	case "clear":
		if err := ring.Delete(credential.TokenKey); err != nil {
			logger.Fatal("Failed to remove token", zap.Error(err))
		}
		logger.Info("Token removed")
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}
