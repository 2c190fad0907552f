package bridge

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// thingNamespace scopes the name-based UUIDs behind thing URNs.
var thingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:iotdb:thing"))

// ThingURN derives a stable thing id from (typeTag, nativeUUID, number).
// The same tuple always yields the same URN.
func ThingURN(typeTag, nativeUUID string, number *int) string {
	parts := []string{typeTag, nativeUUID}
	if number != nil {
		parts = append(parts, strconv.Itoa(*number))
	}
	id := uuid.NewSHA1(thingNamespace, []byte(strings.Join(parts, "\x00")))
	return "urn:iotdb:thing:" + typeTag + ":" + id.String()
}
