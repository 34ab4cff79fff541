package orders

// All lifecycle events of an order go to one topic so consumers see them in order.
const TopicOrderLifecycle = "order.lifecycle"

// Partition key = order_id, keeps one order's events in sequence.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
