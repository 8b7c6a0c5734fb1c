/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package configuration

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/stbox/harddisk/utils/log"
)

// 配置文件路径
const (
	DefaultConfigPath     = "/etc/harddisk/"
	DefaultHddMountPoint  = "/media/hdd"
	DefaultHddLink        = "/hdd"
	DefaultMovieDir       = "/hdd/movie"
	DefaultCommandTimeout = 30 * time.Minute
	// MinCommandTimeout mkfs and fsck of a real disk never finish faster
	MinCommandTimeout = time.Second
)

var (
	GlobalConfig       *viper.Viper
	configModifyNotice []chan<- struct{}
	noticeMutex        sync.Mutex
	mutex              sync.RWMutex
	current            Config
)

var opt = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	numberToSecondsHookFunc(),
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

type StaticMount struct {
	MountPoint  string `json:"mountpoint"`
	Description string `json:"description"`
}

type Config struct {
	// IdleTime seconds without disk access before spin-down, 0 disables the idle monitor
	IdleTime int64 `json:"idleTime"`
	// Machine hardware model name, selects the friendly-name table
	Machine        string        `json:"machine"`
	HddMountPoint  string        `json:"hddMountPoint"`
	HddLink        string        `json:"hddLink"`
	MovieDir       string        `json:"movieDir"`
	CommandTimeout time.Duration `json:"commandTimeout"`
	StaticMounts   []StaticMount `json:"staticMounts"`
	UdevExclusions []string      `json:"udevExclusions"`
}

// DefaultStaticMounts well known mount points shown even when nothing is mounted there
func DefaultStaticMounts() []StaticMount {
	return []StaticMount{
		{MountPoint: "/media/hdd", Description: "Harddisk"},
		{MountPoint: "/media/card", Description: "Card"},
		{MountPoint: "/media/cf", Description: "Compact Flash"},
		{MountPoint: "/media/mmc1", Description: "MMC Card"},
		{MountPoint: "/media/net", Description: "Network Mount"},
		{MountPoint: "/media/upnp", Description: "DLNA"},
		{MountPoint: "/media/ram", Description: "Ram Disk"},
		{MountPoint: "/media/usb", Description: "USB Stick"},
		{MountPoint: "/", Description: "Internal Flash"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("idleTime", 0)
	v.SetDefault("machine", "")
	v.SetDefault("hddMountPoint", DefaultHddMountPoint)
	v.SetDefault("hddLink", DefaultHddLink)
	v.SetDefault("movieDir", DefaultMovieDir)
	v.SetDefault("commandTimeout", DefaultCommandTimeout.String())
	v.SetDefault("udevExclusions", []string{"(?i)dm-[0-9]+", "(?i)rbd[0-9]+", "(?i)nbd[0-9]+", "(?i)loop[0-9]+", "(?i)ram[0-9]+"})
}

// Init loads config.json from dir. A missing file leaves every key at its default.
func Init(dir string) error {
	log.Info("Loading global configuration ...")
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read the configuration: %v", err)
		}
		log.Warnf("no configuration found in %s, using defaults", dir)
	}

	c, err := decode(v)
	if err != nil {
		return err
	}

	mutex.Lock()
	GlobalConfig = v
	current = c
	mutex.Unlock()
	return nil
}

func decode(v *viper.Viper) (Config, error) {
	c := Config{}
	if err := v.Unmarshal(&c, opt); err != nil {
		return c, fmt.Errorf("failed to unmarshal the configuration: %v", err)
	}
	if !v.IsSet("staticMounts") {
		c.StaticMounts = DefaultStaticMounts()
	}
	if err := validate(c); err != nil {
		return c, fmt.Errorf("failed to validate the configuration: %v", err)
	}
	return c, nil
}

// Watch reloads the configuration when the file changes and notifies the registered listeners
func Watch() {
	mutex.RLock()
	v := GlobalConfig
	mutex.RUnlock()
	if v == nil {
		return
	}
	v.OnConfigChange(func(event fsnotify.Event) {
		log.Infof("Detect config change: %s", event.String())
		reload(v)
	})
	v.WatchConfig()
}

func reload(v *viper.Viper) {
	c, err := decode(v)
	if err != nil {
		log.Errorf("%s, ignore this change", err)
		return
	}
	mutex.Lock()
	current = c
	mutex.Unlock()

	noticeMutex.Lock()
	defer noticeMutex.Unlock()
	for _, ch := range configModifyNotice {
		log.Info("Generates the configuration change event")
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func RegisterListenerChan(c chan<- struct{}) {
	noticeMutex.Lock()
	defer noticeMutex.Unlock()
	configModifyNotice = append(configModifyNotice, c)
}

// Current returns a copy of the active configuration
func Current() Config {
	mutex.RLock()
	defer mutex.RUnlock()
	c := current
	c.StaticMounts = append([]StaticMount(nil), current.StaticMounts...)
	c.UdevExclusions = append([]string(nil), current.UdevExclusions...)
	return c
}

// IdleTime 硬盘空闲多久后休眠, 0 表示不休眠
func IdleTime() time.Duration {
	mutex.RLock()
	defer mutex.RUnlock()
	return time.Duration(current.IdleTime) * time.Second
}

func Machine() string {
	mutex.RLock()
	defer mutex.RUnlock()
	return current.Machine
}

func CommandTimeout() time.Duration {
	mutex.RLock()
	defer mutex.RUnlock()
	if current.CommandTimeout <= 0 {
		return DefaultCommandTimeout
	}
	return current.CommandTimeout
}

// numberToSecondsHookFunc reads a bare number as seconds like idleTime, "5m" style strings still work
func numberToSecondsHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		}
		return data, nil
	}
}

func validate(c Config) error {
	if c.IdleTime < 0 {
		return fmt.Errorf("idleTime must not be negative: %d", c.IdleTime)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("commandTimeout must not be negative: %s", c.CommandTimeout)
	}
	if c.CommandTimeout > 0 && c.CommandTimeout < MinCommandTimeout {
		return fmt.Errorf("commandTimeout must be at least %s: %s", MinCommandTimeout, c.CommandTimeout)
	}
	for name, p := range map[string]string{"hddMountPoint": c.HddMountPoint, "hddLink": c.HddLink, "movieDir": c.MovieDir} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %q", name, p)
		}
	}
	seen := make(map[string]bool)
	for _, m := range c.StaticMounts {
		if len(m.MountPoint) == 0 {
			return errors.New("static mount point should not be empty")
		}
		if seen[m.MountPoint] {
			return fmt.Errorf("duplicate static mount point: %s", m.MountPoint)
		}
		seen[m.MountPoint] = true
	}
	for _, re := range c.UdevExclusions {
		if _, err := regexp.Compile(re); err != nil {
			return fmt.Errorf("udev exclusion %q is not a valid regular expression: %v", re, err)
		}
	}
	return nil
}
