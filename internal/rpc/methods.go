package rpc

// Datastore methods consumed by the broker.
const (
	MethodGetTrans          = "get_trans"
	MethodNewTrans          = "new_trans"
	MethodDeleteTrans       = "delete_trans"
	MethodGetTransChanges   = "get_trans_changes"
	MethodValidateCommit    = "validate_commit"
	MethodCommit            = "commit"
	MethodGetValue          = "get_value"
	MethodSetValue          = "set_value"
	MethodCreate            = "create"
	MethodDelete            = "delete"
	MethodAction            = "action"
	MethodQuery             = "query"
	MethodSubscribeCdbOper  = "subscribe_cdboper"
	MethodStartSubscription = "start_subscription"
	MethodUnsubscribe       = "unsubscribe"
	MethodComet             = "comet"
	MethodGetSystemSetting  = "get_system_setting"
	MethodLogout            = "logout"
)

// Params is the params object of a request. Nil values are dropped before
// transmission.
type Params map[string]any

// Clone returns a shallow copy of p. A nil receiver yields an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p)+3)
	for k, v := range p {
		out[k] = v
	}
	return out
}
