package configuration

import (
	"fmt"

	commonconfig "github.com/G-Research/pipeline-runner/internal/common/config"
)

func ValidateAgentConfiguration(config AgentConfiguration) error {
	if err := commonconfig.Validate(config); err != nil {
		return err
	}
	pageSize := config.Paging.PageSize.Value()
	blockSize := config.Paging.BlockSize.Value()
	if pageSize <= 0 || blockSize <= 0 {
		return fmt.Errorf("paging page size and block size must be positive, got page size %d and block size %d", pageSize, blockSize)
	}
	if blockSize > pageSize {
		return fmt.Errorf("paging block size %s cannot be larger than page size %s", config.Paging.BlockSize.String(), config.Paging.PageSize.String())
	}
	if config.Queue.ConsoleLineAggressiveInterval > config.Queue.ConsoleLineInterval {
		return fmt.Errorf("aggressive console line interval %s cannot be longer than the regular interval %s",
			config.Queue.ConsoleLineAggressiveInterval, config.Queue.ConsoleLineInterval)
	}
	return nil
}
