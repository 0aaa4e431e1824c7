package cli

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/protolab/h2mux/config"
	"github.com/protolab/h2mux/lib/zaputil"
	"github.com/protolab/h2mux/mux"
	"github.com/protolab/h2mux/router"
)

const Version = "0.1.0"
const defaultConfigFile = "h2mux"

var configSearchDirs = []string{"./", "./config", "/etc/h2mux"}

type cliConfig struct {
	Listen string     `config:"listen" validate:"endpoint"`
	Server mux.Config `config:"server"`
}

func defaultCliConfig() cliConfig {
	return cliConfig{
		Listen: ":8080",
		Server: mux.DefaultConfig(),
	}
}

// Run reads config, wires the server around routes and serves until a
// signal arrives.
func Run(routes *router.Table) {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of h2mux: h2mux [<config_filename>]\n"+"<config_filename> is './%s.(yaml|json|...)' by default\n", defaultConfigFile)
		flag.PrintDefaults()
	}
	var mon monitoringConfig
	flag.StringVar(&mon.CPUProfile, "cpuprofile", "", "write cpu profile to file")
	flag.StringVar(&mon.MemProfile, "memprofile", "", "write memory profile to this file")
	flag.BoolVar(&mon.Expvar, "expvar", false, "start HTTP server with monitoring variables")
	flag.Parse()

	log, conf := readConfig()
	closeMonitoring := startMonitoring(mon)
	defer closeMonitoring()

	m := mux.NewMetrics("h2mux")
	startReport(m)

	srv, err := mux.NewServer(log, conf.Server, routes, m)
	if err != nil {
		log.Fatal("Server create failed", zap.Error(err))
	}
	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		log.Fatal("Listen failed", zap.String("endpoint", conf.Listen), zap.Error(err))
	}
	log.Info("Listening", zap.String("endpoint", conf.Listen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(log, cancel)

	go func() {
		<-ctx.Done()
		const shutdownTimeout = 5 * time.Second
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("Shutdown finished with errors", zap.Error(err))
		}
	}()

	if err := srv.Serve(ctx, ln); err != nil && err != context.Canceled {
		log.Fatal("Serve failed", zap.Error(err))
	}
	log.Info("Server stopped")
}

func newLogger() *zap.Logger {
	log, err := zap.NewDevelopmentConfig().Build(
		zap.AddCaller(),
		zap.WrapCore(zaputil.NewStackExtractCore),
	)
	if err != nil {
		panic(err)
	}
	return log
}

func readConfig() (*zap.Logger, cliConfig) {
	log := newLogger()
	log.Info("h2mux started", zap.String("version", Version))
	zap.ReplaceGlobals(log)
	zap.RedirectStdLog(log)

	conf := defaultCliConfig()
	v := newViper()
	if len(flag.Args()) > 0 {
		v.SetConfigFile(flag.Args()[0])
	}
	err := v.ReadInConfig()
	if err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && len(flag.Args()) == 0 {
			log.Info("No config file found, using defaults")
			return log, conf
		}
		log.Fatal("Config read failed", zap.Error(err))
	}
	log.Info("Reading config", zap.String("file", v.ConfigFileUsed()))
	err = config.DecodeAndValidate(v.AllSettings(), &conf)
	if err != nil {
		log.Fatal("Config decode failed", zap.Error(err))
	}
	return log, conf
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(defaultConfigFile)
	for _, dir := range configSearchDirs {
		v.AddConfigPath(dir)
	}
	return v
}

func handleSignals(log *zap.Logger, interrupt func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	switch sig {
	case syscall.SIGINT:
		const interruptTimeout = 10 * time.Second
		log.Info("SIGINT received. Trying to stop gracefully.", zap.Duration("timeout", interruptTimeout))
		interrupt()
		select {
		case <-time.After(interruptTimeout):
			log.Fatal("Interrupt timeout exceeded")
		case sig := <-sigs:
			log.Fatal("Another signal received. Quiting.", zap.Stringer("signal", sig))
		}
	case syscall.SIGTERM:
		log.Info("SIGTERM received. Quiting.")
		interrupt()
	default:
		log.Info("Unexpected signal received. Quiting.", zap.Stringer("signal", sig))
		interrupt()
	}
}

type monitoringConfig struct {
	Expvar     bool
	CPUProfile string
	MemProfile string
}

func startMonitoring(conf monitoringConfig) (stop func()) {
	if conf.Expvar {
		go func() {
			err := http.ListenAndServe(":1234", nil)
			zap.L().Fatal("Monitoring server failed", zap.Error(err))
		}()
	}
	var stops []func()
	if conf.CPUProfile != "" {
		f, err := os.Create(conf.CPUProfile)
		if err != nil {
			zap.L().Fatal("CPU profile file create fail", zap.Error(err))
		}
		_ = pprof.StartCPUProfile(f)
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		})
	}
	if conf.MemProfile != "" {
		f, err := os.Create(conf.MemProfile)
		if err != nil {
			zap.L().Fatal("Memory profile file create fail", zap.Error(err))
		}
		stops = append(stops, func() {
			_ = pprof.WriteHeapProfile(f)
			_ = f.Close()
		})
	}
	stop = func() {
		for _, s := range stops {
			s()
		}
	}
	return
}
