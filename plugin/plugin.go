// Package plugin implements the Core Lightning plugin lifecycle shim
// named in §7: the getmanifest/init handshake, option declaration,
// hook/subscription registration, and the JSON-RPC-over-stdio request
// loop that dispatches to cmd/sling's handlers. Grounded on
// original_source/src/main.rs's cln_plugin::Builder wiring — the same
// hook/subscribe/option/rpcmethod registration, rebuilt against CLN's
// wire protocol directly since no Go cln_plugin crate equivalent is in
// the pack.
package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/lightningnetwork/sling/logsub"
)

var log btclog.Logger = logsub.Logger("SLNG")

// Option is one plugin-level config option declared in getmanifest,
// matching §6's Config options table one-for-one.
type Option struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description"`
	Dynamic     bool        `json:"dynamic,omitempty"`
}

// RPCMethod is one `lightning-cli sling-*` command declared in
// getmanifest (§6's CLI surface).
type RPCMethod struct {
	Name        string `json:"name"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
}

// RPCHandler answers one RPC method call with params already decoded
// into raw JSON; it returns the "result" value, or an error to report
// back as a JSON-RPC error.
type RPCHandler func(params json.RawMessage) (interface{}, error)

// NotificationHandler handles a best-effort subscription delivery
// (e.g. "block_added"); no response is expected or sent.
type NotificationHandler func(params json.RawMessage)

// InitFunc runs once CLN's init call arrives, carrying the bound
// option values and host directories. Returning an error disables the
// plugin with that message (§9 "Config — invalid option at startup ->
// disable plugin with a human message").
type InitFunc func(opts map[string]string, lightningDir, rpcFile string) error

// SetConfigFunc handles a dynamic option change delivered via CLN's
// "setconfig" notification after startup.
type SetConfigFunc func(name, value string) error

// Plugin is the CLN plugin lifecycle shim: option/hook/rpcmethod
// registration plus the stdio request loop.
type Plugin struct {
	name string

	options    []Option
	methods    []RPCMethod
	rpcMethods map[string]RPCHandler
	subs       map[string]NotificationHandler

	htlcAccepted func(params json.RawMessage) HTLCResponse

	onInit      InitFunc
	onSetConfig SetConfigFunc

	mu  sync.Mutex
	out *json.Encoder
}

// New returns an empty Plugin named name (the `sling-*` prefix used
// for every RPC method and option).
func New(name string) *Plugin {
	return &Plugin{
		name:       name,
		rpcMethods: make(map[string]RPCHandler),
		subs:       make(map[string]NotificationHandler),
	}
}

// Option registers a config option to advertise in getmanifest.
func (p *Plugin) Option(o Option) { p.options = append(p.options, o) }

// RPCMethod registers one `sling-*` command handler.
func (p *Plugin) RPCMethod(m RPCMethod, handler RPCHandler) {
	p.rpcMethods[m.Name] = handler
	p.methods = append(p.methods, m)
}

// Subscribe registers a best-effort notification handler (e.g.
// "block_added").
func (p *Plugin) Subscribe(topic string, handler NotificationHandler) {
	p.subs[topic] = handler
}

// OnHTLCAccepted registers the htlc_accepted hook handler (§4.H).
func (p *Plugin) OnHTLCAccepted(handler func(params json.RawMessage) HTLCResponse) {
	p.htlcAccepted = handler
}

// OnInit registers the init handshake callback.
func (p *Plugin) OnInit(fn InitFunc) { p.onInit = fn }

// OnSetConfig registers the dynamic-option-change callback.
func (p *Plugin) OnSetConfig(fn SetConfigFunc) { p.onSetConfig = fn }

// HTLCResponse is the htlc_accepted hook's JSON reply shape CLN
// expects: {"result": "continue"|"resolve"|"fail", "payment_key":
// "...", "failure_message": "..."}.
type HTLCResponse struct {
	Result         string `json:"result"`
	PaymentKey     string `json:"payment_key,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// rpcMessage is the superset of every shape the CLN plugin wire
// protocol sends: requests carry a non-nil ID and expect a reply;
// notifications omit ID and expect none.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcReplyError  `json:"error,omitempty"`
}

type rpcReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run reads JSON-RPC requests/notifications from in and writes replies
// to out until in is exhausted (CLN closes stdin on shutdown). CLN
// streams JSON values back to back with no length framing, so a plain
// json.Decoder over the stream is sufficient — the same shape
// rpc.CLNClient uses on the other end of the same kind of socket.
func (p *Plugin) Run(in io.Reader, out io.Writer) error {
	p.out = json.NewEncoder(out)
	dec := json.NewDecoder(bufio.NewReader(in))

	for {
		var msg rpcMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("plugin: decode: %w", err)
		}
		p.dispatch(msg)
	}
}

func (p *Plugin) dispatch(msg rpcMessage) {
	isRequest := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch msg.Method {
	case "getmanifest":
		p.reply(msg.ID, p.manifest(), nil)
	case "init":
		p.handleInit(msg.ID, msg.Params)
	case "htlc_accepted":
		p.handleHTLCAccepted(msg.ID, msg.Params)
	case "setconfig":
		p.handleSetConfig(msg.ID, msg.Params)
	default:
		if isRequest {
			p.handleRPCMethod(msg.ID, msg.Method, msg.Params)
			return
		}
		if handler, ok := p.subs[msg.Method]; ok {
			handler(msg.Params)
		}
	}
}

func (p *Plugin) manifest() map[string]interface{} {
	hooks := []map[string]string{}
	if p.htlcAccepted != nil {
		hooks = append(hooks, map[string]string{"name": "htlc_accepted"})
	}

	subs := make([]string, 0, len(p.subs))
	for topic := range p.subs {
		subs = append(subs, topic)
	}

	return map[string]interface{}{
		"dynamic":       true,
		"options":       p.options,
		"rpcmethods":    p.methods,
		"hooks":         hooks,
		"subscriptions": subs,
		"featurebits":   map[string]string{},
	}
}

func (p *Plugin) handleInit(id json.RawMessage, params json.RawMessage) {
	var req struct {
		Options       map[string]interface{} `json:"options"`
		Configuration struct {
			LightningDir string `json:"lightning-dir"`
			RPCFile      string `json:"rpc-file"`
		} `json:"configuration"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		p.reply(id, nil, fmt.Errorf("init: %w", err))
		return
	}

	opts := make(map[string]string, len(req.Options))
	for k, v := range req.Options {
		opts[k] = fmt.Sprint(v)
	}

	if p.onInit != nil {
		if err := p.onInit(opts, req.Configuration.LightningDir, req.Configuration.RPCFile); err != nil {
			p.reply(id, map[string]string{"disable": err.Error()}, nil)
			return
		}
	}
	p.reply(id, map[string]interface{}{}, nil)
}

func (p *Plugin) handleHTLCAccepted(id json.RawMessage, params json.RawMessage) {
	if p.htlcAccepted == nil {
		p.reply(id, HTLCResponse{Result: "continue"}, nil)
		return
	}
	p.reply(id, p.htlcAccepted(params), nil)
}

func (p *Plugin) handleSetConfig(id json.RawMessage, params json.RawMessage) {
	var req struct {
		Config string `json:"config"`
		Val    interface{} `json:"val"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		p.reply(id, nil, fmt.Errorf("setconfig: %w", err))
		return
	}
	if p.onSetConfig != nil {
		if err := p.onSetConfig(req.Config, fmt.Sprint(req.Val)); err != nil {
			p.reply(id, nil, err)
			return
		}
	}
	p.reply(id, map[string]interface{}{}, nil)
}

func (p *Plugin) handleRPCMethod(id json.RawMessage, method string, params json.RawMessage) {
	handler, ok := p.rpcMethods[method]
	if !ok {
		p.reply(id, nil, fmt.Errorf("unknown method %q", method))
		return
	}
	result, err := handler(params)
	p.reply(id, result, err)
}

func (p *Plugin) reply(id json.RawMessage, result interface{}, err error) {
	if len(id) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := rpcReply{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcReplyError{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}
	if encErr := p.out.Encode(resp); encErr != nil {
		log.Errorf("plugin: writing reply: %v", encErr)
	}
}
