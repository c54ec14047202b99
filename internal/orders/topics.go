package orders

const TopicAdminNotifications = "shop.admin.notifications"

// Partition key = order_id, so all events of one order stay in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
