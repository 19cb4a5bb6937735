package store

import (
	"fmt"
	"strings"
)

// Document/collection paths understood by the store:
//
//	users/<id>                          user document
//	conversations                       conversation collection
//	conversations/<id>                  conversation document
//	conversations/<id>/messages         message collection
//	conversations/<id>/messages/<msgID> message document
type pathKind int

const (
	kindInvalid pathKind = iota
	kindUserDoc
	kindConversationCol
	kindConversationDoc
	kindMessageCol
	kindMessageDoc
)

type pathRef struct {
	kind   pathKind
	userID string
	convID string
	msgID  string
}

func (r pathRef) isDoc() bool {
	return r.kind == kindUserDoc || r.kind == kindConversationDoc || r.kind == kindMessageDoc
}

func parsePath(p string) (pathRef, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "conversations":
		return pathRef{kind: kindConversationCol}, nil
	case len(parts) == 2 && parts[0] == "users" && parts[1] != "":
		return pathRef{kind: kindUserDoc, userID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "conversations" && parts[1] != "":
		return pathRef{kind: kindConversationDoc, convID: parts[1]}, nil
	case len(parts) == 3 && parts[0] == "conversations" && parts[1] != "" && parts[2] == "messages":
		return pathRef{kind: kindMessageCol, convID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "conversations" && parts[1] != "" && parts[2] == "messages" && parts[3] != "":
		return pathRef{kind: kindMessageDoc, convID: parts[1], msgID: parts[3]}, nil
	}
	return pathRef{}, fmt.Errorf("unrecognized path: %q", p)
}

// Key layout. Message keys embed a zero-padded timestamp so prefix
// iteration yields server-ordered timestamp sequence.
func userKey(id string) []byte          { return []byte("user:" + id + ":meta") }
func convKey(id string) []byte          { return []byte("conv:" + id + ":meta") }
func msgPrefix(convID string) []byte    { return []byte("conv:" + convID + ":msg:") }
func msgKey(convID, ord string) []byte  { return []byte("conv:" + convID + ":msg:" + ord) }
func msgIdxKey(convID, id string) []byte { return []byte("conv:" + convID + ":msgid:" + id) }

func convPath(id string) string        { return "conversations/" + id }
func msgColPath(convID string) string  { return "conversations/" + convID + "/messages" }
func msgPath(convID, id string) string { return "conversations/" + convID + "/messages/" + id }
func userPath(id string) string        { return "users/" + id }
