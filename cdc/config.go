package cdc

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Credentials hold the replication-client connection settings, read from
// a config file of one k=v pair per line with '#' comments:
//
//	myvector_user_id=repl
//	myvector_user_password=secret
//	myvector_host=127.0.0.1
//	myvector_port=3306
//	myvector_socket=/var/run/mysqld/mysqld.sock
type Credentials struct {
	User     string
	Password string
	Socket   string
	Host     string
	Port     string
}

// ReadCredentials parses the config file.
func ReadCredentials(path string) (Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, err
	}
	defer f.Close()

	kv := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("malformed config line %q", line)
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, err
	}

	return Credentials{
		User:     kv["myvector_user_id"],
		Password: kv["myvector_user_password"],
		Socket:   kv["myvector_socket"],
		Host:     kv["myvector_host"],
		Port:     kv["myvector_port"],
	}, nil
}

// DSN renders the credentials as a go-sql-driver DSN. The socket is
// preferred when set; host/port otherwise.
func (c Credentials) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	if c.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = c.Socket
	} else {
		cfg.Net = "tcp"
		addr := c.Host
		if addr == "" {
			addr = "127.0.0.1"
		}
		if c.Port != "" {
			addr += ":" + c.Port
		}
		cfg.Addr = addr
	}
	return cfg.FormatDSN()
}
