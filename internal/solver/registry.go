package solver

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Profile 描述一个模拟求解者的定价与成本特征。
type Profile struct {
	Name           string   `yaml:"name" json:"name"`
	EdgeMeanBps    float64  `yaml:"edge_mean_bps" json:"edge_mean_bps"`
	EdgeStdDevBps  float64  `yaml:"edge_stddev_bps" json:"edge_stddev_bps"`
	GasBaselineUSD float64  `yaml:"gas_baseline_usd" json:"gas_baseline_usd"`
	GasJitterUSD   float64  `yaml:"gas_jitter_usd" json:"gas_jitter_usd"`
	ConfidenceBase float64  `yaml:"confidence_base" json:"confidence_base"`
	Route          []string `yaml:"route" json:"route"`
	Description    string   `yaml:"description" json:"description"`
}

// DefaultProfile 用于未知名称的求解者。
var DefaultProfile = Profile{
	Name:           "default",
	EdgeMeanBps:    -20,
	EdgeStdDevBps:  15,
	GasBaselineUSD: 6,
	GasJitterUSD:   2,
	ConfidenceBase: 0.6,
	Route:          []string{"aggregator"},
	Description:    "通用聚合路由",
}

func builtinProfiles() []Profile {
	return []Profile{
		{Name: "alpha", EdgeMeanBps: -5, EdgeStdDevBps: 8, GasBaselineUSD: 4.5, GasJitterUSD: 1.5, ConfidenceBase: 0.85,
			Route: []string{"uniswap-v3"}, Description: "单池直连，报价稳定"},
		{Name: "beta", EdgeMeanBps: 5, EdgeStdDevBps: 20, GasBaselineUSD: 7, GasJitterUSD: 3, ConfidenceBase: 0.7,
			Route: []string{"curve", "uniswap-v3"}, Description: "多跳拆单，偶尔优于公允价"},
		{Name: "gamma", EdgeMeanBps: -15, EdgeStdDevBps: 10, GasBaselineUSD: 2.5, GasJitterUSD: 0.5, ConfidenceBase: 0.75,
			Route: []string{"balancer"}, Description: "低成本，价格略差"},
		{Name: "delta", EdgeMeanBps: 10, EdgeStdDevBps: 45, GasBaselineUSD: 11, GasJitterUSD: 6, ConfidenceBase: 0.5,
			Route: []string{"private-mm", "uniswap-v2", "sushiswap"}, Description: "激进做市，方差大"},
		{Name: "omega", EdgeMeanBps: -40, EdgeStdDevBps: 30, GasBaselineUSD: 3, GasJitterUSD: 1, ConfidenceBase: 0.4,
			Route: []string{"bridge", "unknown-pool"}, Description: "跨链路由，可靠性低"},
	}
}

// Registry 保存求解者画像，查找未知名称时返回默认画像。
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	order    []string
	fallback Profile
}

// NewRegistry 创建包含内置画像的注册表。
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile), fallback: DefaultProfile}
	for _, p := range builtinProfiles() {
		r.Register(p)
	}
	return r
}

type profileFile struct {
	Default  *Profile  `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// LoadRegistry 读取 YAML 画像文件，文件中的画像覆盖同名内置画像。
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取求解者画像失败: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析求解者画像失败: %w", err)
	}
	for _, p := range file.Profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		r.Register(p)
	}
	if file.Default != nil {
		if file.Default.Name == "" {
			file.Default.Name = DefaultProfile.Name
		}
		if err := file.Default.validate(); err != nil {
			return nil, err
		}
		r.fallback = *file.Default
	}
	return r, nil
}

func (p Profile) validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("求解者画像缺少名称")
	case p.EdgeStdDevBps < 0 || p.GasJitterUSD < 0 || p.GasBaselineUSD < 0:
		return fmt.Errorf("求解者 %s 的方差或成本参数不能为负", p.Name)
	case p.ConfidenceBase < 0 || p.ConfidenceBase > 1:
		return fmt.Errorf("求解者 %s 的 confidence_base 必须位于 [0,1]", p.Name)
	}
	return nil
}

// Register 添加或替换画像。
func (r *Registry) Register(p Profile) {
	key := strings.ToLower(strings.TrimSpace(p.Name))
	p.Name = key
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[key]; !exists {
		r.order = append(r.order, key)
	}
	r.profiles[key] = p
}

// Lookup 返回画像以及是否为已知名称。未知名称得到带原名的默认画像。
func (r *Registry) Lookup(name string) (Profile, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[key]; ok {
		return p, true
	}
	p := r.fallback
	p.Name = key
	p.Route = append([]string(nil), r.fallback.Route...)
	return p, false
}

// Names 按注册顺序返回全部已知求解者名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Profiles 按名称排序返回全部画像。
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
