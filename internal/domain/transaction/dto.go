// internal/domain/transaction/dto.go
package transaction

type TransactionListFilters struct {
	Status          *TransactionStatus `form:"status"`
	EffectiveAction *EffectiveAction   `form:"effective_action"`
	Page            int                `form:"page" binding:"omitempty,min=1"`
	PageSize        int                `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// Normalize fills paging defaults.
func (f *TransactionListFilters) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
}

type TransactionListResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	TotalPages   int           `json:"total_pages"`
}
