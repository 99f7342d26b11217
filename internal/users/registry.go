// Package users loads the traded-account roster from a YAML file and keeps
// it hot: edits to the file are picked up without a restart.
package users

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"carrybot/internal/logger"
	"carrybot/internal/pkg/symbol"
)

// User is one traded account and the coins its cycles cover.
type User struct {
	ID      string   `mapstructure:"id" yaml:"id"`
	Name    string   `mapstructure:"name" yaml:"name"`
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Coins   []string `mapstructure:"coins" yaml:"coins"`
}

type rosterFile struct {
	Users []User `mapstructure:"users"`
}

// Registry is the live view of the roster file.
type Registry struct {
	v *viper.Viper

	mu        sync.RWMutex
	users     map[string]User
	listeners []func([]User)
}

// NewRegistry loads the roster at path and watches it for changes.
func NewRegistry(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取用户配置失败: %w", err)
	}

	r := &Registry{v: v, users: map[string]User{}}
	if err := r.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Errorf("用户配置热加载失败 (%s): %v", e.Name, err)
			return
		}
		logger.Infof("用户配置已热加载: %s", e.Name)
	})
	v.WatchConfig()
	return r, nil
}

func (r *Registry) reload() error {
	var roster rosterFile
	if err := r.v.Unmarshal(&roster); err != nil {
		return fmt.Errorf("解析用户配置失败: %w", err)
	}

	users := make(map[string]User, len(roster.Users))
	for _, u := range roster.Users {
		if u.ID == "" {
			return fmt.Errorf("用户配置缺少 id 字段")
		}
		for i, coin := range u.Coins {
			u.Coins[i] = symbol.Normalize(coin)
		}
		users[u.ID] = u
	}

	r.mu.Lock()
	r.users = users
	listeners := make([]func([]User), 0, len(r.listeners))
	listeners = append(listeners, r.listeners...)
	r.mu.Unlock()

	snapshot := r.Enabled()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Reload re-reads the roster file, applied by the watcher and by tests.
func (r *Registry) Reload() error {
	if err := r.v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取用户配置失败: %w", err)
	}
	return r.reload()
}

// Enabled returns the enabled users, sorted by id.
func (r *Registry) Enabled() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		if u.Enabled {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one user by id, enabled or not.
func (r *Registry) Get(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[strings.TrimSpace(id)]
	return u, ok
}

// OnChange registers a callback invoked with the enabled set after each
// successful reload.
func (r *Registry) OnChange(fn func([]User)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}
