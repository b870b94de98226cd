/*
   Copyright @ 2022 The flashtier Authors.

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
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/flashtier-io/flashtier/utils/log"
)

const (
	configPath = "/etc/flashtier/"

	// DefaultAssemblyTimeout bounds how long a backing device waits for its
	// cache set to finish assembling
	DefaultAssemblyTimeout = 30 * time.Second
)

var configModifyNotice []chan<- struct{}
var GlobalConfig *viper.Viper
var regConfig Registration
var opt = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
	// Custom Decode Hook Function
	func(rf reflect.Kind, rt reflect.Kind, data interface{}) (interface{}, error) {
		if rf != reflect.Map || rt != reflect.Struct {
			return data, nil
		}
		mapstructure.Decode(data.(map[string]interface{}), &regConfig)
		return data, nil
	},
))

// Registration are the node-local tunables of the admission protocol
type Registration struct {
	// AssemblyTimeoutSeconds bounds the backing-device wait, 0 means default
	AssemblyTimeoutSeconds int64 `json:"assemblyTimeout"`
	// DiskScanInterval in seconds, minimum 300, 0 disables discovery
	DiskScanInterval int64 `json:"diskScanInterval"`
	// DiskSelectors regular expressions selecting devices eligible for
	// auto registration
	DiskSelectors []string `json:"diskSelector"`
}

func init() {
	log.Info("Loading global configuration ...")
	GlobalConfig = initConfig()
	go dynamicConfig()
}

func initConfig() *viper.Viper {
	GlobalConfig := viper.New()
	GlobalConfig.AddConfigPath(configPath)
	GlobalConfig.SetConfigName("config")
	GlobalConfig.SetConfigType("json")
	if err := GlobalConfig.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warnf("No configuration file under %s, using defaults", configPath)
			return GlobalConfig
		}
		log.Errorf("Failed to get the configuration: %s", err)
		return GlobalConfig
	}

	if err := GlobalConfig.Unmarshal(&regConfig, opt); err != nil {
		log.Errorf("Failed to unmarshal the configuration: %s", err)
		return GlobalConfig
	}

	if err := Validate(regConfig); err != nil {
		log.Errorf("Failed to validate the configuration: %s", err)
	}

	return GlobalConfig
}

func dynamicConfig() {
	GlobalConfig.WatchConfig()
	GlobalConfig.OnConfigChange(func(event fsnotify.Event) {
		log.Infof("Detect config change: %s", event.String())
		if err := GlobalConfig.Unmarshal(&regConfig, opt); err != nil {
			log.Errorf("Failed to unmarshal the configuration: %s, ignore this change", err)
			return
		}
		if err := Validate(regConfig); err != nil {
			log.Errorf("Failed to validate the configuration: %s, ignore this change", err)
			return
		}
		for _, c := range configModifyNotice {
			log.Info("Generates the configuration change event")
			c <- struct{}{}
		}
	})
}

func RegisterListenerChan(c chan<- struct{}) {
	configModifyNotice = append(configModifyNotice, c)
}

// UnregisterListenerChan removes a listener so a stopped consumer's channel
// is never written to again.
func UnregisterListenerChan(c chan<- struct{}) {
	for i, l := range configModifyNotice {
		if l == c {
			configModifyNotice = append(configModifyNotice[:i], configModifyNotice[i+1:]...)
			return
		}
	}
}

// AssemblyTimeout 后端设备等待缓存设备组装完成的超时时间
func AssemblyTimeout() time.Duration {
	seconds := GlobalConfig.GetInt64("assemblyTimeout")
	if seconds <= 0 {
		return DefaultAssemblyTimeout
	}
	return time.Duration(seconds) * time.Second
}

// DiskScanInterval 定时磁盘扫描时间间隔(秒),默认300s
func DiskScanInterval() int64 {
	diskScanInterval := GlobalConfig.GetInt64("diskScanInterval")
	if diskScanInterval == 0 {
		return 0
	}
	if diskScanInterval < 300 {
		diskScanInterval = 300
	}
	return diskScanInterval
}

// DiskSelector 支持正则表达式
// 定时扫描本地磁盘，凡是匹配并带有有效超级块的设备将被自动注册
func DiskSelector() []string {
	diskSelector := regConfig.DiskSelectors
	if len(diskSelector) == 0 {
		log.Warn("No device is auto registered because disk selector is no configuration")
	}
	return diskSelector
}

func Validate(reg Registration) error {
	if reg.AssemblyTimeoutSeconds < 0 {
		return fmt.Errorf("assemblyTimeout must not be negative: %d", reg.AssemblyTimeoutSeconds)
	}
	if reg.DiskScanInterval < 0 {
		return fmt.Errorf("diskScanInterval must not be negative: %d", reg.DiskScanInterval)
	}
	for _, re := range reg.DiskSelectors {
		if _, err := regexp.Compile(re); err != nil {
			return fmt.Errorf("disk selector %q is not a valid regular expression: %v", re, err)
		}
	}
	return nil
}
