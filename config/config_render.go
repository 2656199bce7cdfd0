package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/valyala/fasttemplate"
	"github.com/xcall-tracker/xtracker/log"
)

const (
	startTag = "{{"
	endTag   = "}}"
	// typedMark prefixes the tag of a var written without quotes, its value keeps its TOML type
	typedMark = "="
	chainsKey = "Chains"
)

var (
	ErrCycleVars                 = errors.New("cycle vars")
	ErrMissingVars               = errors.New("missing vars")
	ErrUnsupportedConfigFileType = errors.New("unsupported config file type")

	bareVar   = regexp.MustCompile(`(?m)^([ \t]*[A-Za-z0-9_.\-]+[ \t]*=[ \t]*)\{\{([^{}"]+)\}\}`)
	envUnsafe = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// chainEnvFields are the chain keys that <prefix>_CHAINS_<ID>_<FIELD> replaces: endpoints and
// signer secrets, which change between deployments of the same registry
var chainEnvFields = [][]string{
	{"RPCURL"},
	{"IndexerURL"},
	{"Signer", "PrivateKey"},
	{"Signer", "Path"},
	{"Signer", "Password"},
	{"Signer", "Address"},
}

type FileData struct {
	Name    string
	Content string
}

// Renderer builds the configuration out of layered TOML sources. Tables are merged key by
// key and arrays, the Chains registry included, are replaced by the last source setting them.
// A {{Var}} is read from <EnvPrefix>_<Var> or else from the merged keys, dots in the path
// becoming underscores in the env name. Keys defined by Vars only exist to be referenced and
// are not part of the rendered output.
type Renderer struct {
	Vars      []FileData
	Sources   []FileData
	EnvPrefix string
	LookupEnv func(key string) (string, bool)
}

func NewRenderer(vars, sources []FileData, envPrefix string) *Renderer {
	return &Renderer{
		Vars:      vars,
		Sources:   sources,
		EnvPrefix: envPrefix,
		LookupEnv: os.LookupEnv,
	}
}

// Render returns the merged TOML with every var resolved and the chain overrides applied
func (r *Renderer) Render() (string, error) {
	tree, varKeys, err := r.merge()
	if err != nil {
		return "", err
	}
	if err := r.resolveVars(tree); err != nil {
		return "", err
	}
	r.overrideChains(tree)
	for _, key := range varKeys {
		delete(tree, key)
	}
	out, err := toml.Parser().Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("error marshalling rendered config. Err: %w", err)
	}
	return string(out), nil
}

func (r *Renderer) merge() (map[string]interface{}, []string, error) {
	k := koanf.New(".")
	varKeys := make([]string, 0)
	for _, src := range r.Vars {
		vars := koanf.New(".")
		if err := loadSource(vars, src); err != nil {
			return nil, nil, err
		}
		for key := range vars.Raw() {
			varKeys = append(varKeys, key)
		}
		if err := k.Merge(vars); err != nil {
			return nil, nil, err
		}
	}
	for _, src := range r.Sources {
		if err := loadSource(k, src); err != nil {
			return nil, nil, err
		}
	}
	return k.Raw(), varKeys, nil
}

// loadSource quotes bare vars so the source parses, marking them to get their type back later
func loadSource(k *koanf.Koanf, src FileData) error {
	content := bareVar.ReplaceAllString(src.Content, `${1}"`+startTag+typedMark+`${2}`+endTag+`"`)
	if err := k.Load(rawbytes.Provider([]byte(content)), toml.Parser()); err != nil {
		return fmt.Errorf("error parsing %s. Err: %w", src.Name, err)
	}
	return nil
}

// resolveVars replaces the vars of every string in the tree, chains included. Each pass
// resolves at least one value or the remaining ones can never be.
func (r *Renderer) resolveVars(tree map[string]interface{}) error {
	for {
		var (
			pending  []string
			resolved int
			failure  error
		)
		walkStrings(tree, func(s string) interface{} {
			if failure != nil || !strings.Contains(s, startTag) {
				return s
			}
			value, unresolved, err := r.expand(tree, s)
			switch {
			case err != nil:
				failure = err
			case len(unresolved) > 0:
				pending = append(pending, unresolved...)
			default:
				resolved++
				return value
			}
			return s
		})
		if failure != nil {
			return failure
		}
		if len(pending) == 0 {
			return nil
		}
		if resolved == 0 {
			return r.unresolvedError(tree, pending)
		}
	}
}

func (r *Renderer) expand(tree map[string]interface{}, s string) (interface{}, []string, error) {
	tpl, err := fasttemplate.NewTemplate(s, startTag, endTag)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid template %q. Err: %w", s, err)
	}
	var unresolved []string
	typed := false
	out, err := tpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		name, isTyped := strings.CutPrefix(tag, typedMark)
		typed = typed || isTyped
		value, state := r.lookup(tree, name)
		if state != varResolved {
			unresolved = append(unresolved, name)
			return 0, nil
		}
		return io.WriteString(w, value)
	})
	if err != nil {
		return nil, nil, err
	}
	if len(unresolved) > 0 {
		return nil, unresolved, nil
	}
	if typed {
		return scalar(out), nil, nil
	}
	return out, nil, nil
}

type varState int

const (
	varMissing varState = iota
	varPending
	varResolved
)

func (r *Renderer) lookup(tree map[string]interface{}, name string) (string, varState) {
	if value, ok := r.LookupEnv(r.EnvPrefix + "_" + strings.ReplaceAll(name, ".", "_")); ok {
		return value, varResolved
	}
	value, ok := lookupPath(tree, strings.Split(name, "."))
	if !ok {
		return "", varMissing
	}
	switch v := value.(type) {
	case map[string]interface{}, []interface{}:
		return "", varMissing
	case string:
		if strings.Contains(v, startTag) {
			return "", varPending
		}
		return v, varResolved
	default:
		return fmt.Sprint(v), varResolved
	}
}

func (r *Renderer) unresolvedError(tree map[string]interface{}, pending []string) error {
	missing := make([]string, 0)
	seen := make(map[string]bool, len(pending))
	for _, name := range pending {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, state := r.lookup(tree, name); state == varMissing {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingVars, strings.Join(missing, ", "))
	}
	return fmt.Errorf("%w: %s", ErrCycleVars, strings.Join(pending, ", "))
}

// overrideChains applies the per chain env overrides, matching chains by ID
func (r *Renderer) overrideChains(tree map[string]interface{}) {
	chains, ok := tree[chainsKey].([]interface{})
	if !ok {
		return
	}
	for _, item := range chains {
		chain, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := chain["ID"].(string)
		if !ok || id == "" {
			continue
		}
		for _, field := range chainEnvFields {
			key := r.ChainEnvKey(id, field...)
			if value, ok := r.LookupEnv(key); ok {
				setPath(chain, field, value)
				log.Debugf("chain %s: %s set from %s", id, strings.Join(field, "."), key)
			}
		}
	}
}

// ChainEnvKey returns the env var overriding field of chain chainID,
// e.g. XTRACKER_CHAINS_ICON_SIGNER_PRIVATEKEY
func (r *Renderer) ChainEnvKey(chainID string, field ...string) string {
	parts := append([]string{r.EnvPrefix, chainsKey, envUnsafe.ReplaceAllString(chainID, "_")}, field...)
	return strings.ToUpper(strings.Join(parts, "_"))
}

func walkStrings(node interface{}, fn func(string) interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, item := range v {
			v[key] = walkStrings(item, fn)
		}
	case []interface{}:
		for i, item := range v {
			v[i] = walkStrings(item, fn)
		}
	case string:
		return fn(v)
	}
	return node
}

func lookupPath(tree map[string]interface{}, path []string) (interface{}, bool) {
	var node interface{} = tree
	for _, key := range path {
		table, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if node, ok = table[key]; !ok {
			return nil, false
		}
	}
	return node, true
}

func setPath(table map[string]interface{}, path []string, value interface{}) {
	for _, key := range path[:len(path)-1] {
		next, ok := table[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			table[key] = next
		}
		table = next
	}
	table[path[len(path)-1]] = value
}

// scalar reads the value of a bare var the way TOML would
func scalar(s string) interface{} {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// convertFileToToml turns a JSON file into TOML, unknown extensions are read as TOML
func convertFileToToml(data, fileType string) (string, error) {
	switch strings.ToLower(fileType) {
	case ConfigType:
		return data, nil
	case "json":
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider([]byte(data)), json.Parser()); err != nil {
			return "", err
		}
		out, err := toml.Parser().Marshal(k.Raw())
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "yml", "yaml", "ini":
		return "", fmt.Errorf("%w: %s", ErrUnsupportedConfigFileType, fileType)
	default:
		log.Warnf("file type %s is read as TOML", fileType)
		return data, nil
	}
}
