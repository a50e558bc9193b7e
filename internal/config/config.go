package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	CML       CMLConfig       `mapstructure:"cml"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Collector CollectorConfig `mapstructure:"collector"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SimulateEnable bool          `mapstructure:"simulate_enable"`
}

// CMLConfig CML 控制器接入配置
type CMLConfig struct {
	// Host CML 控制器地址（REST 与控制台 SSH 同一主机）
	Host        string        `mapstructure:"host"`
	APIPort     int           `mapstructure:"api_port"`
	ConsolePort int           `mapstructure:"console_port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	VerifyTLS   bool          `mapstructure:"verify_tls"`
	APITimeout  time.Duration `mapstructure:"api_timeout"`
}

// ConsoleConfig 控制台会话时序配置
// 默认值来自对 CML 串口控制台的长期实测，谨慎调整
type ConsoleConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// SettleDelay 附着控制台后的静置时间
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// CRInterval 探测提示符的两次回车之间的间隔
	CRInterval     time.Duration `mapstructure:"cr_interval"`
	PromptTimeout  time.Duration `mapstructure:"prompt_timeout"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	EnableTimeout  time.Duration `mapstructure:"enable_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// CommandSettle 发送命令前的静置，避免回显与上一提示符粘连
	CommandSettle time.Duration `mapstructure:"command_settle"`
	PagerDelay    time.Duration `mapstructure:"pager_delay"`
	ConfirmDelay  time.Duration `mapstructure:"confirm_delay"`
	// RecoveryTimeout 命令超时后回车探活的等待窗口
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	// StabilizeRetries 提示符探测重试轮数
	StabilizeRetries int `mapstructure:"stabilize_retries"`
	// MaxIterations 单条命令期望循环的迭代上限（防御分页死循环）
	MaxIterations int `mapstructure:"max_iterations"`
	// DeviceUsername/DevicePassword 设备登录缺省凭据（任务未携带时使用）
	DeviceUsername string `mapstructure:"device_username"`
	DevicePassword string `mapstructure:"device_password"`
	EnablePassword string `mapstructure:"enable_password"`
}

// CollectorConfig 任务执行器配置
type CollectorConfig struct {
	ID string `mapstructure:"id"`
	// Concurrent 同时保持的控制台会话数上限
	Concurrent int `mapstructure:"concurrent"`
	// TaskTimeout 单任务整体超时
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// RetainTasks 内存任务注册表的保留条数
	RetainTasks int `mapstructure:"retain_tasks"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 会话转录归档配置
type StorageConfig struct {
	// Backend 归档后端：local | minio
	Backend string      `mapstructure:"backend"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
	Minio   MinioConfig `mapstructure:"minio"`
}

// LocalConfig 本地归档配置
type LocalConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	viper.SetEnvPrefix("CML_CONSOLE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量替换
	config = replaceEnvVars(config)

	globalConfig = &config
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 300*time.Second)
	viper.SetDefault("server.simulate_enable", false)

	viper.SetDefault("cml.api_port", 443)
	viper.SetDefault("cml.console_port", 22)
	viper.SetDefault("cml.verify_tls", false)
	viper.SetDefault("cml.api_timeout", 30*time.Second)

	// 控制台时序默认值：附着后静置与双回车探测，按实测调优
	viper.SetDefault("console.connect_timeout", 15*time.Second)
	viper.SetDefault("console.settle_delay", 500*time.Millisecond)
	viper.SetDefault("console.cr_interval", 300*time.Millisecond)
	viper.SetDefault("console.prompt_timeout", 15*time.Second)
	viper.SetDefault("console.auth_timeout", 5*time.Second)
	viper.SetDefault("console.enable_timeout", 10*time.Second)
	viper.SetDefault("console.command_timeout", 30*time.Second)
	viper.SetDefault("console.command_settle", 200*time.Millisecond)
	viper.SetDefault("console.pager_delay", 50*time.Millisecond)
	viper.SetDefault("console.confirm_delay", 100*time.Millisecond)
	viper.SetDefault("console.recovery_timeout", 2*time.Second)
	viper.SetDefault("console.stabilize_retries", 3)
	viper.SetDefault("console.max_iterations", 50)
	viper.SetDefault("console.device_username", "cisco")
	viper.SetDefault("console.device_password", "cisco")

	viper.SetDefault("collector.concurrent", 8)
	viper.SetDefault("collector.task_timeout", 10*time.Minute)
	viper.SetDefault("collector.retain_tasks", 500)

	viper.SetDefault("database.sqlite.path", "./data/cml_console.db")
	viper.SetDefault("database.sqlite.max_idle_conns", 2)
	viper.SetDefault("database.sqlite.max_open_conns", 8)
	viper.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	viper.SetDefault("storage.backend", "local")
	viper.SetDefault("storage.prefix", "transcripts")
	viper.SetDefault("storage.local.base_dir", "./data/transcripts")
	viper.SetDefault("storage.local.mkdir_if_missing", true)

	viper.SetDefault("log.level", "info")
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换配置中的环境变量占位（${VAR} 形式）
func replaceEnvVars(config Config) Config {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
			if value := os.Getenv(envVar); value != "" {
				return value
			}
		}
		return s
	}
	config.CML.Username = expand(config.CML.Username)
	config.CML.Password = expand(config.CML.Password)
	config.Console.DevicePassword = expand(config.Console.DevicePassword)
	config.Console.EnablePassword = expand(config.Console.EnablePassword)
	config.Collector.ID = expand(config.Collector.ID)
	config.Storage.Minio.AccessKey = expand(config.Storage.Minio.AccessKey)
	config.Storage.Minio.SecretKey = expand(config.Storage.Minio.SecretKey)
	return config
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
