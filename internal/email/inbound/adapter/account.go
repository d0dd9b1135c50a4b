package adapter

import (
	"strings"
	"time"

	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/email/inbound/connector"
)

const defaultPollInterval = time.Minute

// AccountFromConfig converts the mail section of the configuration to the
// connector payload.
func AccountFromConfig(cfg config.MailConfig) connector.Account {
	accountType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if accountType == "" {
		accountType = "imaps"
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return connector.Account{
		Type:               accountType,
		Host:               strings.TrimSpace(cfg.Host),
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           []byte(cfg.Password),
		Folder:             cfg.Folder,
		DeleteAfterProcess: cfg.DeleteAfterProcess,
		PollInterval:       pollInterval,
	}
}
