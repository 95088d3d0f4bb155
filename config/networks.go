package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"millow-back-onchain/model"
)

// contractEntry は {"address": "0x..."} の1エントリ
type contractEntry struct {
	Address string `json:"address" yaml:"address"`
}

// networkEntry はチェーンIDごとの設定。キー名はフロントエンドの config.json と共通
type networkEntry struct {
	RealEstate contractEntry `json:"realEstate" yaml:"realEstate"`
	Escrow     contractEntry `json:"escrow" yaml:"escrow"`
}

// LoadNetworks はネットワーク設定ファイルを読み込む。拡張子 .yaml/.yml はYAML、それ以外はJSON
func LoadNetworks(path string) (map[uint64]model.NetworkContracts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseNetworksYAML(data)
	default:
		return ParseNetworksJSON(data)
	}
}

// ParseNetworksJSON は config.json 形式をパースする
func ParseNetworksJSON(data []byte) (map[uint64]model.NetworkContracts, error) {
	raw := map[string]networkEntry{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse networks json: %w", err)
	}
	return buildNetworks(raw)
}

// ParseNetworksYAML は同じ構造のYAMLをパースする
func ParseNetworksYAML(data []byte) (map[uint64]model.NetworkContracts, error) {
	raw := map[string]networkEntry{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse networks yaml: %w", err)
	}
	return buildNetworks(raw)
}

func buildNetworks(raw map[string]networkEntry) (map[uint64]model.NetworkContracts, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("networks file defines no networks")
	}

	networks := make(map[uint64]model.NetworkContracts, len(raw))
	for key, entry := range raw {
		chainID, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("network %q: chain id must be a decimal integer", key)
		}
		if !common.IsHexAddress(entry.RealEstate.Address) {
			return nil, fmt.Errorf("network %d: invalid realEstate address %q", chainID, entry.RealEstate.Address)
		}
		if !common.IsHexAddress(entry.Escrow.Address) {
			return nil, fmt.Errorf("network %d: invalid escrow address %q", chainID, entry.Escrow.Address)
		}
		networks[chainID] = model.NetworkContracts{
			Registry: common.HexToAddress(entry.RealEstate.Address),
			Escrow:   common.HexToAddress(entry.Escrow.Address),
		}
	}
	return networks, nil
}
