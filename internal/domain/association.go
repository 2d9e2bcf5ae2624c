package domain

import "time"

// MessageTicket 邮件-工单多对多关联
//
// (message_id, ticket_id) 为联合主键，重复关联是幂等的空操作；
// 两个外键保证关联只能指向存在的邮件与工单。
type MessageTicket struct {
	MessageID string    `json:"messageId" gorm:"type:varchar(128);primaryKey"`
	TicketID  string    `json:"ticketId" gorm:"type:varchar(36);primaryKey;index"`
	CreatedAt time.Time `json:"createdAt"`

	// 仅用于声明外键，AutoMigrate 据此创建约束；删除邮件或工单时级联删除关联
	Message *Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnDelete:CASCADE"`
	Ticket  *Ticket  `json:"-" gorm:"foreignKey:TicketID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (MessageTicket) TableName() string {
	return "message_tickets"
}

// LinkFailure 单封邮件关联失败的原因
type LinkFailure struct {
	MessageID string `json:"emailId"`
	Error     string `json:"error"`
}

// LinkReport 创建工单时的关联结果
type LinkReport struct {
	TicketID string        `json:"ticketId"`
	Linked   []string      `json:"linkedEmails"`
	Failed   []LinkFailure `json:"failedEmails"`
}
