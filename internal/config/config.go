package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the configuration of the modbus-master poller.
type Config struct {
	Link     LinkConfig     `mapstructure:"link"`
	Master   MasterConfig   `mapstructure:"master"`
	Polls    []PollConfig   `mapstructure:"polls"`
	Log      LogConfig      `mapstructure:"log"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
}

// LinkConfig defines the transport toward the slaves.
type LinkConfig struct {
	// Address selects the handler by scheme: rtu:///dev/ttyUSB0,
	// ascii:///dev/ttyUSB0, tcp://host:502, rtuovertcp://host:port,
	// asciiovertcp://host:port or rtuoverudp://host:port.
	Address     string        `mapstructure:"address"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Serial      SerialConfig  `mapstructure:"serial"`
}

// SerialConfig defines RTU and ASCII line settings
type SerialConfig struct {
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// MasterConfig defines the session pool settings.
type MasterConfig struct {
	Masters      int           `mapstructure:"masters"`
	RespTimeout  time.Duration `mapstructure:"resp_timeout"`
	Retries      int           `mapstructure:"retries"`
	GateRetries  bool          `mapstructure:"gate_retries"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// PollConfig defines one periodic read.
type PollConfig struct {
	Name     string        `mapstructure:"name"`
	SlaveID  uint8         `mapstructure:"slave_id"`
	Function uint8         `mapstructure:"function"`
	Address  uint16        `mapstructure:"address"`
	Quantity uint16        `mapstructure:"quantity"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
	Frame bool   `mapstructure:"frame"` // Trace every frame at debug level
}

// SnapshotConfig defines the memory mapped result file.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// BindFlags registers the flags that override configuration keys.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("link.address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, rtu:///dev/ttyUSB0")
	fs.Duration("link.timeout", 5*time.Second, "Modbus connection timeout")
	fs.Int("link.serial.baud_rate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	fs.String("link.serial.parity", "E", "Parity: N - None, E - Even, O - Odd")
	fs.Duration("master.resp_timeout", 300*time.Millisecond, "Response timeout per attempt")
	fs.Int("master.retries", 3, "Retries before a request fails")
	fs.Bool("master.gate_retries", false, "Only count retries for requests that were sent")
	fs.String("log.level", "info", "debug, info, warn or error")
	fs.Bool("log.frame", false, "Trace every frame at debug level")
	fs.String("snapshot.path", "", "Memory mapped file receiving poll results")
}

// Load reads configFile (optional) and applies the changed flags of fs on top.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("link.address", "tcp://127.0.0.1:502")
	v.SetDefault("link.timeout", 5*time.Second)
	v.SetDefault("link.idle_timeout", 60*time.Second)
	v.SetDefault("link.serial.baud_rate", 19200)
	v.SetDefault("link.serial.data_bits", 8)
	v.SetDefault("link.serial.parity", "E")
	v.SetDefault("link.serial.stop_bits", 1)
	v.SetDefault("master.resp_timeout", 300*time.Millisecond)
	v.SetDefault("master.retries", 3)
	v.SetDefault("log.level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	fixup(&cfg)
	return &cfg, nil
}

func fixup(cfg *Config) {
	cfg.Link.Serial.Parity = strings.ToUpper(cfg.Link.Serial.Parity)
	if cfg.Master.TickInterval <= 0 {
		cfg.Master.TickInterval = cfg.Master.RespTimeout
	}
	// A serial port applies Timeout to every read, keep it within one
	// response timeout so that a silent slave does not stall the retries.
	if isSerial(cfg.Link.Address) && cfg.Master.RespTimeout > 0 && cfg.Link.Timeout > cfg.Master.RespTimeout {
		cfg.Link.Timeout = cfg.Master.RespTimeout
	}
	// One session per poll
	if cfg.Master.Masters < len(cfg.Polls) {
		cfg.Master.Masters = len(cfg.Polls)
	}
	for i := range cfg.Polls {
		p := &cfg.Polls[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("poll-%d", i)
		}
		if p.Quantity == 0 {
			p.Quantity = 1
		}
		if p.Interval == 0 {
			p.Interval = time.Second
		}
	}
}

func isSerial(address string) bool {
	u, err := url.Parse(address)
	return err == nil && (u.Scheme == "rtu" || u.Scheme == "ascii")
}

// Validate checks configuration correctness.
// It performs declarative validation only.
func Validate(cfg *Config) error {
	u, err := url.Parse(cfg.Link.Address)
	if err != nil {
		return fmt.Errorf("link address %q: %w", cfg.Link.Address, err)
	}
	switch u.Scheme {
	case "rtu", "ascii":
		if u.Path == "" {
			return fmt.Errorf("link address %q: missing device path", cfg.Link.Address)
		}
		switch cfg.Link.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("link parity %q must be one of N, E, O", cfg.Link.Serial.Parity)
		}
	case "tcp", "rtuovertcp", "asciiovertcp", "rtuoverudp":
		if u.Host == "" {
			return fmt.Errorf("link address %q: missing host", cfg.Link.Address)
		}
	default:
		return fmt.Errorf("link address %q: unsupported scheme %q", cfg.Link.Address, u.Scheme)
	}

	if cfg.Master.RespTimeout <= 0 {
		return errors.New("master resp_timeout must be > 0")
	}
	if cfg.Master.Retries < 0 {
		return errors.New("master retries must be >= 0")
	}

	names := make(map[string]struct{}, len(cfg.Polls))
	for _, p := range cfg.Polls {
		if _, exists := names[p.Name]; exists {
			return fmt.Errorf("poll %q: duplicate name", p.Name)
		}
		names[p.Name] = struct{}{}

		if p.SlaveID < 1 || p.SlaveID > 247 {
			return fmt.Errorf("poll %q: slave_id %d out of range 1-247", p.Name, p.SlaveID)
		}
		var limit uint16
		switch p.Function {
		case 1, 2:
			limit = 2000
		case 3, 4:
			limit = 125
		default:
			return fmt.Errorf("poll %q: function %d is not a read function", p.Name, p.Function)
		}
		if p.Quantity > limit {
			return fmt.Errorf("poll %q: quantity %d exceeds %d", p.Name, p.Quantity, limit)
		}
		if int(p.Address)+int(p.Quantity) > 65536 {
			return fmt.Errorf("poll %q: range %d+%d exceeds the address space", p.Name, p.Address, p.Quantity)
		}
		if p.Interval < 0 {
			return fmt.Errorf("poll %q: interval must not be negative", p.Name)
		}
	}
	return nil
}
