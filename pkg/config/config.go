package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// AmplifierConfig describes one amplifier port (A or B)
type AmplifierConfig struct {
	Enabled bool `yaml:"enabled"`
	// Device is a fixed serial path. When empty the USB scanner binds the
	// first unclaimed Hardrock cable found.
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`

	// GPIO line offsets on hardware.gpio_chip
	PresentPin   int `yaml:"present_pin"`
	PTTEnablePin int `yaml:"ptt_enable_pin"`
	// BandSwitchPins are the per-band PTT enable switches in band-index
	// order 6,10,12,15,17,20,30,40,60,80,160 meters. Active low.
	BandSwitchPins []int `yaml:"band_switch_pins"`

	StartupDelay int `yaml:"startup_delay"` // milliseconds
	PollInterval int `yaml:"poll_interval"` // milliseconds
}

// Config represents the hardplace configuration
type Config struct {
	Radio struct {
		// Device is the UART wired to the HC-05 that talks to the IC-705
		Device        string `yaml:"device"`
		Address       int    `yaml:"address"`
		Controller    int    `yaml:"controller"`
		AH705         bool   `yaml:"ah705"`
		PTTPowerPin   int    `yaml:"ptt_power_pin"`
		ResponseLimit int    `yaml:"response_timeout"` // milliseconds
		// Passthrough is the USB gadget serial a PC uses to reach the radio
		// and the amplifiers through the bridge. Empty disables it.
		Passthrough     string `yaml:"passthrough_device"`
		PassthroughBaud int    `yaml:"passthrough_baud_rate"`
	} `yaml:"radio"`

	Amplifiers struct {
		A AmplifierConfig `yaml:"a"`
		B AmplifierConfig `yaml:"b"`
	} `yaml:"amplifiers"`

	Bluetooth struct {
		BaudRate       int    `yaml:"baud_rate"`
		Name           string `yaml:"name"`
		RemoteName     string `yaml:"remote_name"`
		PIN            string `yaml:"pin"`
		Class          string `yaml:"class"`
		InquirySeconds int    `yaml:"inquiry_seconds"`
		KeyPin         int    `yaml:"key_pin"`
		PowerPin       int    `yaml:"power_pin"`
		StatePin       int    `yaml:"state_pin"`
		TaskInterval   int    `yaml:"task_interval"` // milliseconds
		PowerCycle     int    `yaml:"power_cycle"`   // milliseconds
	} `yaml:"bluetooth"`

	Tuner struct {
		StartPin int `yaml:"start_pin"`
		KeyPin   int `yaml:"key_pin"`
		Debounce int `yaml:"debounce"` // milliseconds
	} `yaml:"tuner"`

	Hardware struct {
		EnableGPIO bool   `yaml:"enable_gpio"`
		GPIOChip   string `yaml:"gpio_chip"`
		EnableUSB  bool   `yaml:"enable_usb"`
	} `yaml:"hardware"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		// MaxEvents bounds the event journal
		MaxEvents int `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// SaveConfig writes the configuration back as YAML
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Radio.Address == 0 {
		c.Radio.Address = 0xA4
	}
	if c.Radio.Controller == 0 {
		c.Radio.Controller = 0xE0
	}
	if c.Radio.ResponseLimit == 0 {
		c.Radio.ResponseLimit = 250
	}
	if c.Radio.PassthroughBaud == 0 {
		c.Radio.PassthroughBaud = 115200
	}

	for _, amp := range []*AmplifierConfig{&c.Amplifiers.A, &c.Amplifiers.B} {
		if amp.BaudRate == 0 {
			amp.BaudRate = 19200
		}
		if amp.StartupDelay == 0 {
			amp.StartupDelay = 7000
		}
		if amp.PollInterval == 0 {
			amp.PollInterval = 1000
		}
	}

	if c.Bluetooth.BaudRate == 0 {
		c.Bluetooth.BaudRate = 38400
	}
	if c.Bluetooth.Name == "" {
		c.Bluetooth.Name = "Hardplace 705+"
	}
	if c.Bluetooth.RemoteName == "" {
		c.Bluetooth.RemoteName = "ICOM BT(IC-705)"
	}
	if c.Bluetooth.PIN == "" {
		c.Bluetooth.PIN = "0000"
	}
	if c.Bluetooth.Class == "" {
		c.Bluetooth.Class = "220400"
	}
	if c.Bluetooth.InquirySeconds == 0 {
		c.Bluetooth.InquirySeconds = 30
	}
	if c.Bluetooth.TaskInterval == 0 {
		c.Bluetooth.TaskInterval = 5000
	}
	if c.Bluetooth.PowerCycle == 0 {
		c.Bluetooth.PowerCycle = 60000
	}

	if c.Tuner.Debounce == 0 {
		c.Tuner.Debounce = 5
	}
	if c.Hardware.GPIOChip == "" {
		c.Hardware.GPIOChip = "gpiochip0"
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8705
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}
	if c.API.UnixSocket == "" {
		c.API.UnixSocket = "/tmp/hardplace.sock"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./hardplace.db"
	}
	if c.Storage.MaxEvents == 0 {
		c.Storage.MaxEvents = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Radio.Address < 0 || c.Radio.Address > 0xFF {
		return fmt.Errorf("radio address 0x%X out of range", c.Radio.Address)
	}
	if c.Radio.Controller < 0 || c.Radio.Controller > 0xFF {
		return fmt.Errorf("controller address 0x%X out of range", c.Radio.Controller)
	}
	if c.Radio.Device == "" {
		return fmt.Errorf("radio device is required")
	}
	for name, amp := range map[string]AmplifierConfig{"a": c.Amplifiers.A, "b": c.Amplifiers.B} {
		if !amp.Enabled {
			continue
		}
		if amp.Device == "" && !c.Hardware.EnableUSB {
			return fmt.Errorf("amplifier %s needs a device or hardware.enable_usb", name)
		}
		if n := len(amp.BandSwitchPins); n != 0 && n != 11 {
			return fmt.Errorf("amplifier %s: band_switch_pins needs 11 entries, got %d", name, n)
		}
	}
	if len(c.Bluetooth.PIN) == 0 || len(c.Bluetooth.PIN) > 16 {
		return fmt.Errorf("bluetooth pin must be 1-16 characters")
	}
	if c.Bluetooth.InquirySeconds < 1 || c.Bluetooth.InquirySeconds > 61 {
		return fmt.Errorf("bluetooth inquiry_seconds must be 1-61")
	}
	return nil
}
