package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KindEVM 是目前唯一支持的链类型。
const KindEVM = "evm"

// ChainSet 对应 configs/chains.yaml。
type ChainSet struct {
	Default string           `yaml:"default"`
	Chains  map[string]Chain `yaml:"chains"`
}

// Chain 描述一条只用于读取代币元数据的链。
type Chain struct {
	Kind        string        `yaml:"type"`
	ChainID     int64         `yaml:"chain_id"`
	RPCURL      string        `yaml:"rpc_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Description string        `yaml:"description"`
}

// LoadChains 读取链定义文件；路径为空时返回空集合。
func LoadChains(path string) (ChainSet, error) {
	if strings.TrimSpace(path) == "" {
		return ChainSet{Chains: map[string]Chain{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainSet{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChains(raw)
}

// ParseChains 解析并校验链定义：rpc_url 必填，chain_id 不可重复，类型缺省为 evm。
func ParseChains(raw []byte) (ChainSet, error) {
	var set ChainSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return ChainSet{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if set.Chains == nil {
		set.Chains = map[string]Chain{}
	}
	seen := make(map[int64]string, len(set.Chains))
	for name, chain := range set.Chains {
		chain.Kind = strings.ToLower(strings.TrimSpace(chain.Kind))
		if chain.Kind == "" {
			chain.Kind = KindEVM
		}
		if chain.Kind != KindEVM {
			return ChainSet{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Kind)
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainSet{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if chain.ChainID > 0 {
			if other, dup := seen[chain.ChainID]; dup {
				return ChainSet{}, fmt.Errorf("链 %s 与 %s 的 chain_id 重复", name, other)
			}
			seen[chain.ChainID] = name
		}
		set.Chains[name] = chain
	}
	if set.Default != "" {
		if _, ok := set.Chains[set.Default]; !ok {
			return ChainSet{}, fmt.Errorf("默认链 %s 未定义", set.Default)
		}
	}
	return set, nil
}
