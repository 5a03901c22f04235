package command

import "github.com/philsphicas/rpcbridge/internal/protocol"

// Command names known to the default registry.
const (
	SetActivity            = "SET_ACTIVITY"
	CmdSubscribe           = "SUBSCRIBE"
	CmdUnsubscribe         = "UNSUBSCRIBE"
	Authorize              = "AUTHORIZE"
	Authenticate           = "AUTHENTICATE"
	SendActivityJoinInvite = "SEND_ACTIVITY_JOIN_INVITE"
	CloseActivityRequest   = "CLOSE_ACTIVITY_REQUEST"
	InviteBrowser          = "INVITE_BROWSER"
	GuildTemplateBrowser   = "GUILD_TEMPLATE_BROWSER"
	DeepLink               = "DEEP_LINK"
	ConnectionsCallback    = "CONNECTIONS_CALLBACK"
	GetRelayInfo           = "GET_RELAY_INFO"
)

// Events clients may subscribe to.
var Events = []string{
	"ACTIVITY_JOIN",
	"ACTIVITY_SPECTATE",
	"ACTIVITY_JOIN_REQUEST",
	"ACTIVITY_INVITE",
	"GUILD_STATUS",
	"GUILD_CREATE",
	"CHANNEL_CREATE",
	"VOICE_CHANNEL_SELECT",
	"VOICE_SETTINGS_UPDATE",
	"VOICE_STATE_CREATE",
	"VOICE_STATE_UPDATE",
	"VOICE_STATE_DELETE",
	"VOICE_CONNECTION_STATUS",
	"SPEAKING_START",
	"SPEAKING_STOP",
	"MESSAGE_CREATE",
	"MESSAGE_UPDATE",
	"MESSAGE_DELETE",
	"NOTIFICATION_CREATE",
}

// Info describes the relay in GET_RELAY_INFO replies.
type Info struct {
	Name    string
	Version string
}

var (
	str     = Shape{Kind: String}
	num     = Shape{Kind: Number}
	boolean = Shape{Kind: Bool}
	object  = Shape{Kind: Object}

	activityShape = ObjectOf(map[string]Field{
		"state":      Opt(str),
		"details":    Opt(str),
		"timestamps": Opt(ObjectOf(map[string]Field{"start": Opt(num), "end": Opt(num)})),
		"assets":     Opt(object),
		"party":      Opt(object),
		"secrets":    Opt(object),
		"instance":   Opt(boolean),
		"buttons": Opt(ArrayOf(ObjectOf(map[string]Field{
			"label": Req(str),
			"url":   Req(str),
		}))),
	})
)

// Default returns a registry holding the built-in command catalogue.
func Default(info Info) *Registry {
	r := NewRegistry()
	specs := []Spec{
		{
			Name: SetActivity,
			Mode: Push,
			Args: ObjectOf(map[string]Field{
				"pid":      Req(num),
				"activity": Opt(activityShape.OrNull()),
			}),
			Prepare: prepareActivity,
			Ack:     ackActivity,
			Retain:  true,
			Clear:   clearActivity,
		},
		{Name: CmdSubscribe, Mode: Subscribe, Events: Events},
		{Name: CmdUnsubscribe, Mode: Unsubscribe, Events: Events},
		{
			Name: Authorize,
			Mode: Bridged,
			Args: ObjectOf(map[string]Field{
				"client_id": Opt(str),
				"scopes":    Req(ArrayOf(str)),
			}),
			Prepare: prepareAuthorize,
		},
		{Name: Authenticate, Mode: Bridged, Args: ObjectOf(map[string]Field{"access_token": Req(str)})},
		{Name: SendActivityJoinInvite, Mode: Bridged, Args: ObjectOf(map[string]Field{"user_id": Req(str)})},
		{Name: CloseActivityRequest, Mode: Bridged, Args: ObjectOf(map[string]Field{"user_id": Req(str)})},
		{Name: InviteBrowser, Mode: Bridged, Args: ObjectOf(map[string]Field{"code": Req(str)})},
		{Name: GuildTemplateBrowser, Mode: Bridged, Args: ObjectOf(map[string]Field{"code": Req(str)})},
		{
			Name: DeepLink,
			Mode: Bridged,
			Args: ObjectOf(map[string]Field{"type": Req(str), "params": Opt(object)}),
		},
		{
			Name: ConnectionsCallback,
			Mode: Local,
			Handle: func(Request) (any, error) {
				return nil, &Error{Code: protocol.ErrorUnknown, Message: "Unknown Error"}
			},
		},
		{
			Name: GetRelayInfo,
			Mode: Local,
			Handle: func(Request) (any, error) {
				return map[string]any{
					"name":     info.Name,
					"version":  info.Version,
					"protocol": protocol.Version,
					"commands": r.Names(),
				}, nil
			},
		},
	}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err) // static catalogue
		}
	}
	return r
}

// prepareAuthorize rejects an authorization for another application than
// the one the session shook hands as.
func prepareAuthorize(req Request) (map[string]any, error) {
	if id, ok := req.Args["client_id"].(string); ok && id != req.ClientID {
		return nil, Errorf(protocol.ErrorInvalidClientID, "client_id %q does not match session", id)
	}
	return req.Args, nil
}
