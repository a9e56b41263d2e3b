package models

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
)

const (
	ConfigVendor = "es-operating-system"
	ConfigApp    = "kernel"
	ConfigFile   = "kernel.toml"
)

type Config struct {
	// number of proxy slots in the upcall broker and in every syscall table
	ProxyTableSize int `toml:"proxy_table_size"`
	// user stack reserved for each upcall record, guard page included
	UpcallStackSize uint64 `toml:"upcall_stack_size"`
	PageSize        uint64 `toml:"page_size"`
	// upcall stacks are carved downward from here
	UserMax uint64 `toml:"user_max"`
	// lowest address an upcall stack may occupy
	UserStackFloor uint64 `toml:"user_stack_floor"`

	// stub addresses handed out by the kernel's upcall broker
	BrokerBase uint64 `toml:"broker_base"`
	// location of the syscall proxy table inside each process
	SyscallTableBase uint64 `toml:"syscall_table_base"`
	// kernel-side object pointers are allocated from here
	KernelObjectBase uint64 `toml:"kernel_object_base"`

	TraceUpcall bool `toml:"trace_upcall"`
	Color       bool `toml:"color"`
	Verbose     bool `toml:"verbose"`
	Strsize     int  `toml:"strsize"`

	Output io.WriteCloser `toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		ProxyTableSize:   1024,
		UpcallStackSize:  2 * 1024 * 1024,
		PageSize:         0x1000,
		UserMax:          0x80000000,
		UserStackFloor:   0x40000000,
		BrokerBase:       0xc0100000,
		SyscallTableBase: 0x00001000,
		KernelObjectBase: 0xc0800000,
		Strsize:          30,
		Output:           os.Stderr,
	}
}

// LoadConfig decodes a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrapf(err, "failed to load config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// FindConfig returns the first kernel.toml found in the per-user or system
// config folders, or "" when there is none.
func FindConfig() string {
	dirs := configdir.New(ConfigVendor, ConfigApp)
	if folder := dirs.QueryFolderContainsFile(ConfigFile); folder != nil {
		return filepath.Join(folder.Path, ConfigFile)
	}
	return ""
}

func (c *Config) Validate() error {
	if c.ProxyTableSize <= 0 {
		return errors.Errorf("proxy_table_size must be positive, got %d", c.ProxyTableSize)
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.Errorf("page_size %#x is not a power of two", c.PageSize)
	}
	if c.UpcallStackSize <= c.PageSize || c.UpcallStackSize%c.PageSize != 0 {
		return errors.Errorf("upcall_stack_size %#x must be a page multiple larger than one page", c.UpcallStackSize)
	}
	if c.UserStackFloor >= c.UserMax {
		return errors.Errorf("user_stack_floor %#x is above user_max %#x", c.UserStackFloor, c.UserMax)
	}
	return nil
}

func (c *Config) Printf(format string, a ...interface{}) {
	if c.Output != nil {
		fmt.Fprintf(c.Output, format, a...)
	}
}
