// keyimport 把适配器私钥 / API 凭证写入加密的 Badger 密钥库，配置中用 secret:// 引用。
//
//	keyimport -adapter clob-main -field private_key -value-env CLOB_PK
//	keyimport -adapter clob-main -in .env.clob      # 批量：KEY=VALUE → adapter/<id>/<key 小写>
//	keyimport -list
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/sigrouter/pkg/config"
	"github.com/betbot/sigrouter/pkg/secretstore"
)

func main() {
	_ = godotenv.Load()

	var (
		dbPath    = flag.String("badger", getenv("SIGROUTER_SECRET_DB", config.DefaultSecretStorePath), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SIGROUTER_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		adapterID = flag.String("adapter", "", "adapter id the secret belongs to")
		field     = flag.String("field", "private_key", "secret field: private_key | api_key | api_secret | api_passphrase")
		valueEnv  = flag.String("value-env", "", "read the secret value from this env var (otherwise from stdin)")
		inPath    = flag.String("in", "", "import every KEY=VALUE from a .env file for -adapter")
		list      = flag.Bool("list", false, "list stored keys and exit")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set SIGROUTER_SECRET_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes, ReadOnly: *list})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if *list {
		keys, err := ss.Keys("adapter/")
		if err != nil {
			fatal(err)
		}
		for _, k := range keys {
			fmt.Println(secretstore.RefPrefix + k)
		}
		return
	}

	if strings.TrimSpace(*adapterID) == "" {
		fatal(fmt.Errorf("-adapter is required"))
	}

	if *inPath != "" {
		kv, err := godotenv.Read(*inPath)
		if err != nil {
			fatal(err)
		}
		for k, v := range kv {
			if err := ss.SetString(secretstore.AdapterKey(*adapterID, strings.ToLower(k)), v); err != nil {
				fatal(err)
			}
		}
		fmt.Fprintf(os.Stderr, "已导入 %d 项到 %s（adapter=%s）\n", len(kv), *dbPath, *adapterID)
		return
	}

	value, err := readValue(*valueEnv)
	if err != nil {
		fatal(err)
	}
	if err := ss.SetString(secretstore.AdapterKey(*adapterID, *field), value); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入，配置中引用: %s\n", secretstore.AdapterRef(*adapterID, *field))
}

func readValue(envName string) (string, error) {
	if envName != "" {
		v := strings.TrimSpace(os.Getenv(envName))
		if v == "" {
			return "", fmt.Errorf("env %s is empty", envName)
		}
		return v, nil
	}
	fmt.Fprint(os.Stderr, "secret value: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	v := strings.TrimSpace(line)
	if v == "" {
		return "", fmt.Errorf("empty secret value")
	}
	return v, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
