package messages

import (
	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/custodian"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
)

// Action names an operation of the domain.
type Action string

const (
	ActionPostV1        Action = "postV1"
	ActionMarkRead      Action = "markRead"
	ActionDeleteMessage Action = "deleteMessage"
	ActionSyncMessages  Action = "syncMessages"
	ActionMessagesByIDs Action = "messagesByIds"
	ActionDecryptKeys   Action = "decryptKeys"
	ActionKeysChanged   Action = custodian.EventKeysChanged
)

// Operation is one entry of the routing table. External operations are
// events published by the key custodian.
type Operation struct {
	kind     envelope.Kind
	action   Action
	external bool
}

var operations = []Operation{
	{kind: envelope.KindCommand, action: ActionPostV1},
	{kind: envelope.KindCommand, action: ActionMarkRead},
	{kind: envelope.KindCommand, action: ActionDeleteMessage},
	{kind: envelope.KindRequest, action: ActionSyncMessages},
	{kind: envelope.KindRequest, action: ActionMessagesByIDs},
	{kind: envelope.KindRequest, action: ActionDecryptKeys},
	{kind: envelope.KindEvent, action: ActionKeysChanged, external: true},
}

// Routes lists the subscriptions the domain needs.
func (d *Domain) Routes() []bus.Route {
	routes := make([]bus.Route, 0, len(operations))
	for _, op := range operations {
		domain := Name
		if op.external {
			domain = d.custodianDomain
		}
		routes = append(routes, bus.Route{Kind: op.kind, Domain: domain, Action: string(op.action)})
	}
	return routes
}
