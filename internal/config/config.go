package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/profile"
)

// ErrInvalid 表示配置无法用于启动交易
var ErrInvalid = errors.New("invalid config")

// LoadConfig 从指定路径加载JSON配置文件并合并到默认配置上。
// 文件不存在时返回默认配置, 新增的配置项无需手动迁移。
func LoadConfig(path string) (*models.Config, error) {
	cfg := models.DefaultConfig()

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	if cfg.CustomRanges == nil {
		cfg.CustomRanges = map[string]models.PriceRange{}
	}
	if cfg.GridCounts == nil {
		cfg.GridCounts = map[string]int{}
	}
	return cfg, nil
}

// SaveConfig 原子地写入配置: 先写临时文件并校验大小, 旧文件保留为 .bak,
// 最后 rename 替换。写入失败时原文件保持不变。
func SaveConfig(path string, cfg *models.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty encoding", ErrInvalid)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(tmpName); err != nil || info.Size() == 0 {
		return fmt.Errorf("临时配置文件写入不完整: %v", err)
	}

	if prev, err := os.ReadFile(path); err == nil && len(prev) > 0 {
		if err := os.WriteFile(path+".bak", prev, 0644); err != nil {
			return fmt.Errorf("备份旧配置失败: %w", err)
		}
	}
	return os.Rename(tmpName, path)
}

// FileSaver persists runtime config changes to a fixed path.
type FileSaver struct {
	Path string
}

func (s FileSaver) SaveConfig(cfg *models.Config) error {
	return SaveConfig(s.Path, cfg)
}

// Validate 检查启动交易所需的配置项
func Validate(cfg *models.Config) error {
	switch {
	case cfg == nil:
		return fmt.Errorf("%w: nil config", ErrInvalid)
	case len(cfg.Tickers) == 0:
		return fmt.Errorf("%w: no tickers", ErrInvalid)
	case cfg.TotalInvestment <= 0:
		return fmt.Errorf("%w: total_investment must be positive", ErrInvalid)
	case cfg.FeeRate < 0 || cfg.FeeRate >= 0.05:
		return fmt.Errorf("%w: fee_rate %.4f out of range", ErrInvalid, cfg.FeeRate)
	case !cfg.AutoGridCount && cfg.GridCount <= 0:
		return fmt.Errorf("%w: grid_count must be positive", ErrInvalid)
	case cfg.EmergencyStopLoss > 0:
		return fmt.Errorf("%w: emergency_stop_loss must be negative", ErrInvalid)
	case cfg.StopLossThreshold >= 0:
		return fmt.Errorf("%w: stop_loss_threshold must be negative", ErrInvalid)
	case cfg.PanicThreshold >= 0:
		return fmt.Errorf("%w: panic_threshold must be negative", ErrInvalid)
	case cfg.TargetProfit < 0:
		return fmt.Errorf("%w: target_profit must not be negative", ErrInvalid)
	case cfg.GridRefreshHour < 0 || cfg.GridRefreshHour > 23:
		return fmt.Errorf("%w: grid_refresh_hour must be 0-23", ErrInvalid)
	}

	if !profile.IsRiskMode(cfg.RiskMode) {
		return fmt.Errorf("%w: unknown risk_mode %q", ErrInvalid, cfg.RiskMode)
	}
	for ticker, r := range cfg.CustomRanges {
		if cfg.UseCustomRange && !r.Valid() {
			return fmt.Errorf("%w: custom range for %s needs high > low > 0", ErrInvalid, ticker)
		}
	}
	return nil
}

// ApplyRiskMode 用风险模式的参数覆盖派生阈值
func ApplyRiskMode(cfg *models.Config, mode string) {
	rp := profile.GetRiskSettings(mode)
	cfg.RiskMode = rp.Name
	cfg.MaxGridCount = rp.MaxGridCount
	cfg.MaxInvestmentRatio = rp.MaxInvestmentRatio
	cfg.PanicThreshold = rp.PanicThreshold
	cfg.StopLossThreshold = rp.StopLossThreshold
	cfg.TrailingStopPercent = rp.TrailingStopPercent
	cfg.GridConfirmationBuffer = rp.GridConfirmationBuffer
	cfg.RebalanceThreshold = rp.RebalanceThreshold
}
