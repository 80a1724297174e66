package config

import (
	"encoding/json"
	"fmt"
	"os"

	"grid-trailing-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// API 密钥优先取环境变量 BINANCE_API_KEY / BINANCE_SECRET_KEY。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err = decoder.Decode(config); err != nil {
		return nil, err
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		config.SecretKey = v
	}

	applyDefaults(config)

	if err = validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.RetryPlaceOrderCount == 0 {
		cfg.RetryPlaceOrderCount = 3
	}
	if cfg.RetryPlaceOrderDelaySec == 0 {
		cfg.RetryPlaceOrderDelaySec = 5
	}
	if cfg.RetryGetOrderCount == 0 {
		cfg.RetryGetOrderCount = 5
	}
	if cfg.RetryGetOrderDelayMs == 0 {
		cfg.RetryGetOrderDelayMs = 1000
	}
	if cfg.WebSocketPingIntervalSec == 0 {
		cfg.WebSocketPingIntervalSec = 30
	}
	if cfg.WebSocketPongTimeoutSec == 0 {
		cfg.WebSocketPongTimeoutSec = 75
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = "https://api.binance.com"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binance.vision"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.testnet.binance.vision"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bot_state"
	}
	if cfg.CandleDBPath == "" {
		cfg.CandleDBPath = "data/candles.db"
	}
}

func validate(cfg *models.Config) error {
	if len(cfg.Bots) == 0 {
		return fmt.Errorf("配置中没有定义任何机器人")
	}
	seen := make(map[string]bool)
	for i := range cfg.Bots {
		bot := &cfg.Bots[i]
		if err := bot.Validate(); err != nil {
			return err
		}
		if seen[bot.Name] {
			return fmt.Errorf("机器人名称重复: %s", bot.Name)
		}
		seen[bot.Name] = true
	}
	return nil
}
