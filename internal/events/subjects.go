package events

import "time"

const (
	StreamName     = "KRISHI_EVENTS"
	StreamSubjects = "krishi.>"
	StreamMaxAge   = 90 * 24 * time.Hour

	SubjectMarketPricesUpdated = "krishi.market.prices.updated"
	SubjectWorkflowStats       = "krishi.workflow.stats"
	SubjectNotificationsAll    = "krishi.notification.>"
)

func SubjectBatchCreated(batchID string) string  { return "krishi.batch." + batchID + ".created" }
func SubjectBatchVerified(batchID string) string { return "krishi.batch." + batchID + ".verified" }
func SubjectStageCompleted(batchID string) string {
	return "krishi.batch." + batchID + ".stage.completed"
}

func SubjectImageUploaded(imageID string) string { return "krishi.image." + imageID + ".uploaded" }
func SubjectImageScreened(imageID string) string { return "krishi.image." + imageID + ".screened" }
func SubjectImageReviewed(imageID string) string { return "krishi.image." + imageID + ".reviewed" }

func SubjectAppealFiled(appealID string) string    { return "krishi.appeal." + appealID + ".filed" }
func SubjectAppealResolved(appealID string) string { return "krishi.appeal." + appealID + ".resolved" }

func SubjectCertificateIssued(code string) string   { return "krishi.certificate." + code + ".issued" }
func SubjectCertificateAnchored(code string) string { return "krishi.certificate." + code + ".anchored" }
func SubjectCertificateAnchorFailed(code string) string {
	return "krishi.certificate." + code + ".anchor_failed"
}

func SubjectNotificationCreated(userID string) string {
	return "krishi.notification." + userID + ".created"
}
