package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Local   LocalConfig   `mapstructure:"local"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Output  OutputConfig  `mapstructure:"output"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// WorkerConfig 远程 GPU 工作节点配置
type WorkerConfig struct {
	URL            string        `mapstructure:"url"`             // 工作节点 HTTP 地址
	PollInterval   time.Duration `mapstructure:"poll_interval"`   // 任务状态轮询间隔
	MaxWait        time.Duration `mapstructure:"max_wait"`        // 单个远程任务最长等待时间
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`  // 连通性探测超时
	HealthInterval string        `mapstructure:"health_interval"` // cron 表达式，如 @every 30s
	StatusTimeout  time.Duration `mapstructure:"status_timeout"`  // 守护进程状态检查超时
	InfoCacheTTL   time.Duration `mapstructure:"info_cache_ttl"`  // GPU 信息缓存时间
}

// SSHConfig 远程守护进程管理所用的 SSH 配置
type SSHConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	KeyFile          string        `mapstructure:"key_file"`
	KnownHostsFile   string        `mapstructure:"known_hosts_file"` // 为空时不校验主机密钥
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	WorkerScript     string        `mapstructure:"worker_script"`
	WorkerLog        string        `mapstructure:"worker_log"`
	ServiceUnit      string        `mapstructure:"service_unit"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	HealthCheckEvery time.Duration `mapstructure:"health_check_every"`
}

// LocalConfig 本地推理子进程配置
type LocalConfig struct {
	PythonPath string `mapstructure:"python_path"`
	ScriptPath string `mapstructure:"script_path"`
	NvidiaSMI  string `mapstructure:"nvidia_smi"`
	NVCC       string `mapstructure:"nvcc"`
}

type MergeConfig struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"`
}

// OutputConfig 输出目录配置
type OutputConfig struct {
	Dir            string        `mapstructure:"dir"`
	Watch          bool          `mapstructure:"watch"`           // 是否监控输出目录
	StaleAfter     time.Duration `mapstructure:"stale_after"`     // 中间文件保留时间
	ThumbnailWidth int           `mapstructure:"thumbnail_width"` // 缩略图宽度，0 表示不生成
}

type HistoryConfig struct {
	DBPath          string `mapstructure:"db_path"`
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	KeepCompleted   int    `mapstructure:"keep_completed_days"`
	KeepFailed      int    `mapstructure:"keep_failed_days"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "gpu-fusion")

	// 远程工作节点
	viper.SetDefault("worker.url", "http://10.0.0.2:8001")
	viper.SetDefault("worker.poll_interval", time.Second)
	viper.SetDefault("worker.max_wait", 10*time.Minute)
	viper.SetDefault("worker.health_timeout", 5*time.Second)
	viper.SetDefault("worker.health_interval", "@every 30s")
	viper.SetDefault("worker.status_timeout", 3*time.Second)
	viper.SetDefault("worker.info_cache_ttl", 10*time.Second)

	// SSH
	viper.SetDefault("ssh.port", 22)
	viper.SetDefault("ssh.connect_timeout", 10*time.Second)
	viper.SetDefault("ssh.worker_script", "~/popos_worker.py")
	viper.SetDefault("ssh.worker_log", "~/popos_worker.log")
	viper.SetDefault("ssh.service_unit", "gpu-worker")
	viper.SetDefault("ssh.max_retries", 3)
	viper.SetDefault("ssh.retry_delay", 2*time.Second)
	viper.SetDefault("ssh.health_check_every", time.Minute)

	// 本地推理
	viper.SetDefault("local.python_path", "python")
	viper.SetDefault("local.script_path", "python/generate_video.py")
	viper.SetDefault("local.nvidia_smi", "nvidia-smi")
	viper.SetDefault("local.nvcc", "nvcc")

	viper.SetDefault("merge.ffmpeg_path", "ffmpeg")

	viper.SetDefault("output.dir", "output")
	viper.SetDefault("output.watch", true)
	viper.SetDefault("output.stale_after", 24*time.Hour)
	viper.SetDefault("output.thumbnail_width", 320)

	viper.SetDefault("history.db_path", "data/gpu-fusion.db")
	viper.SetDefault("history.cleanup_schedule", "@every 1h")
	viper.SetDefault("history.keep_completed_days", 7)
	viper.SetDefault("history.keep_failed_days", 30)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Worker.URL == "" {
		return fmt.Errorf("远程工作节点地址未设置")
	}
	if config.Worker.PollInterval <= 0 || config.Worker.MaxWait <= 0 {
		return fmt.Errorf("轮询间隔和最长等待时间必须大于0")
	}
	if config.Output.Dir == "" {
		return fmt.Errorf("输出目录未设置")
	}
	if config.SSH.MaxRetries <= 0 {
		config.SSH.MaxRetries = 1
	}
	return nil
}
