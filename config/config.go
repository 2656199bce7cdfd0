package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier/kafka"
	"github.com/xcall-tracker/xtracker/notifier/ws"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/tracker"
)

const (
	// FlagCfg is the flag for cfg.
	FlagCfg = "cfg"
	// FlagEnvFile is the flag for the dotenv files loaded before rendering the config
	FlagEnvFile = "env-file"
	// FlagComponents is the flag for components.
	FlagComponents = "components"
	// FlagSaveConfigPath is the flag to save the final configuration file
	FlagSaveConfigPath = "save-config-path"
	// FlagOutputFile is the flag for the output file
	FlagOutputFile = "output"
	// FlagRPCURL is the flag for the url of a running tracker
	FlagRPCURL = "rpc-url"

	EnvVarPrefix       = "XTRACKER"
	ConfigType         = "toml"
	SaveConfigFileName = "xtracker_config.toml"

	DefaultCreationFilePermissions = os.FileMode(0600)

	redacted = "<redacted>"
)

var (
	ErrNoChains      = errors.New("no chains configured")
	ErrHubCount      = errors.New("exactly one chain must be the hub")
	ErrDuplicateID   = errors.New("duplicated chain")
	ErrMissingDBPath = errors.New("missing Tracker.DBPath")
)

/*
Config represents the configuration of the xcall tracker
The file is [TOML format]. Every chain is an entry of the Chains array of tables:

	[[Chains]]
	ID = "avalanche"
	Family = "evm"
	NetworkID = "0xa86a.avax"

[TOML format]: https://en.wikipedia.org/wiki/TOML
*/
type Config struct {
	// Configure Log level for all the services, allow also to store the logs in a file
	Log log.Config
	// Chains is the static chain registry
	Chains []adapter.ChainConfig
	// Sync configures the per chain scanners
	Sync sync.Config
	// Tracker configures storage, retention and notifications
	Tracker tracker.Config
	// Orchestrator configures submission and the hop timeout
	Orchestrator orchestrator.Config
	// RPC is the config for the RPC server
	RPC jRPC.Config
	// Status is the websocket, health and metrics http server
	Status ws.Config
	// Kafka mirrors status changes to a topic
	Kafka kafka.Config
}

// Validate checks the cross field rules of the configuration
func (c *Config) Validate() error {
	if c.Tracker.DBPath == "" {
		return ErrMissingDBPath
	}
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	seen := make(map[string]bool, len(c.Chains))
	hubs := 0
	for _, chain := range c.Chains {
		if err := chain.Validate(); err != nil {
			return err
		}
		if seen[chain.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, chain.ID)
		}
		seen[chain.ID] = true
		if chain.Hub {
			hubs++
		}
	}
	if hubs != 1 {
		return fmt.Errorf("%w, found %d", ErrHubCount, hubs)
	}
	return nil
}

// Redacted returns a copy without signer secrets, safe to print
func (c Config) Redacted() Config {
	chains := make([]adapter.ChainConfig, len(c.Chains))
	copy(chains, c.Chains)
	for i := range chains {
		if chains[i].Signer.PrivateKey != "" {
			chains[i].Signer.PrivateKey = redacted
		}
		if chains[i].Signer.Password != "" {
			chains[i].Signer.Password = redacted
		}
	}
	c.Chains = chains
	return c
}

// MarshalTOML renders the configuration the way it is read
func (c Config) MarshalTOML() ([]byte, error) {
	return toml.Marshal(c)
}

// Load loads the configuration
func Load(ctx *cli.Context) (*Config, error) {
	if err := loadEnvFiles(ctx.StringSlice(FlagEnvFile)); err != nil {
		return nil, err
	}
	configFilePath := ctx.StringSlice(FlagCfg)
	filesData, err := readFiles(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("error reading files:  Err:%w", err)
	}
	saveConfigPath := ctx.String(FlagSaveConfigPath)
	return LoadFile(filesData, saveConfigPath)
}

// loadEnvFiles exports the variables of the dotenv files that are not already set.
// A missing default .env is not an error.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("error loading env files %v. Err: %w", files, err)
	}
	return nil
}

func readFiles(files []string) ([]FileData, error) {
	result := make([]FileData, 0)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading file content: %s. Err:%w", file, err)
		}
		fileContent := string(content)
		fileExtension := getFileExtension(file)
		if fileExtension != ConfigType {
			fileContent, err = convertFileToToml(fileContent, fileExtension)
			if err != nil {
				return nil, fmt.Errorf("error converting file: %s from %s to TOML. Err:%w", file, fileExtension, err)
			}
		}
		result = append(result, FileData{Name: file, Content: fileContent})
	}
	return result, nil
}

func getFileExtension(fileName string) string {
	return fileName[strings.LastIndex(fileName, ".")+1:]
}

// LoadFileFromString decodes an already rendered configuration
func LoadFileFromString(configFileData string, configType string) (*Config, error) {
	cfg := &Config{}
	unused, err := loadString(cfg, configFileData, configType, true, EnvVarPrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range unused {
		log.Warnf("field %s in config file is not used", key)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfigToString renders the configuration as JSON without secrets
func SaveConfigToString(cfg Config) (string, error) {
	b, err := json.Marshal(cfg.Redacted())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadFile merges the defaults and files, resolves their vars and decodes the result
func LoadFile(files []FileData, saveConfigPath string) (*Config, error) {
	vars := []FileData{{Name: "default_vars", Content: DefaultVars}}
	sources := make([]FileData, 0, len(files)+1)
	sources = append(sources, FileData{Name: "default_values", Content: DefaultValues})
	sources = append(sources, files...)

	renderedCfg, err := NewRenderer(vars, sources, EnvVarPrefix).Render()
	if err != nil {
		return nil, err
	}
	if saveConfigPath != "" {
		fullPath := filepath.Join(saveConfigPath, SaveConfigFileName)
		err = os.WriteFile(fullPath, []byte(renderedCfg), DefaultCreationFilePermissions)
		if err != nil {
			err = fmt.Errorf("error writing config file: %s. Err: %w", fullPath, err)
			log.Error(err)
			return nil, err
		}
	}
	return LoadFileFromString(renderedCfg, ConfigType)
}

// loadString decodes configData into cfg and returns the keys no field consumed
func loadString(cfg *Config, configData string, configType string,
	allowEnvVars bool, envPrefix string) ([]string, error) {
	v := viper.New()
	v.SetConfigType(configType)
	if allowEnvVars {
		replacer := strings.NewReplacer(".", "_")
		v.SetEnvKeyReplacer(replacer)
		v.SetEnvPrefix(envPrefix)
		v.AutomaticEnv()
	}
	err := v.ReadConfig(bytes.NewBufferString(configData))
	if err != nil {
		return nil, err
	}
	metadata := &mapstructure.Metadata{}
	decodeHooks := []viper.DecoderConfigOption{
		// this allows arrays to be decoded from env var separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(), mapstructure.StringToSliceHookFunc(","))),
		func(dc *mapstructure.DecoderConfig) { dc.Metadata = metadata },
	}

	if err := v.Unmarshal(cfg, decodeHooks...); err != nil {
		return nil, err
	}
	unused := metadata.Unused
	sort.Strings(unused)
	return unused, nil
}

// Schema returns the JSON schema of the configuration file
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:              "mapstructure",
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "xtracker configuration"
	return json.MarshalIndent(schema, "", "  ")
}
