package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// The helpers in this file run against any Store so the in-memory and
// Postgres implementations are held to the same behaviour.

func seedFarmer(t *testing.T, s Store) *User {
	t.Helper()
	u := &User{ID: uuid.New(), FullName: "Ravi Kumar", Email: fmt.Sprintf("ravi-%s@example.com", uuid.NewString()[:8])}
	if err := s.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	return u
}

func seedAdmin(t *testing.T, s Store) *User {
	t.Helper()
	u := &User{ID: uuid.New(), FullName: "Reviewer", Role: RoleAdmin}
	if err := s.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	return u
}

func seedBatch(t *testing.T, s Store, farmer *User) *Batch {
	t.Helper()
	b := &Batch{FarmerID: farmer.ID, CropName: "Paddy", Variety: "Sona Masuri"}
	if _, err := s.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	return b
}

func uploadImage(t *testing.T, s Store, b *Batch, stage int) *StageImage {
	t.Helper()
	img := &StageImage{
		BatchID:     b.ID,
		StageNumber: stage,
		UploadedBy:  b.FarmerID,
		ImageURL:    "https://img.example.com/" + uuid.NewString() + ".jpg",
		SHA256:      uuid.NewString(),
	}
	if err := s.CreateImage(context.Background(), img); err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}
	return img
}

// approveImage drives an image through screening with an approving verdict.
func approveImage(t *testing.T, s Store, img *StageImage) {
	t.Helper()
	recordVerdict(t, s, img, VerdictApproved)
}

func recordVerdict(t *testing.T, s Store, img *StageImage, verdict Verdict) *StageImage {
	t.Helper()
	v := &AIValidation{
		ImageID:             img.ID,
		AuthenticityScore:   0.9,
		DeepfakeProbability: 0.05,
		TamperScore:         0.02,
		CombinedScore:       0.93,
		Verdict:             verdict,
		ModelVersion:        "test-1",
		Labels:              []string{"crop", "field"},
	}
	got, err := s.RecordValidation(context.Background(), v)
	if err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	return got
}

func testBatchLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	farmer := seedFarmer(t, s)
	batch := seedBatch(t, s, farmer)

	if batch.Status != BatchStatusActive || batch.CurrentStage != 1 {
		t.Fatalf("expected active batch at stage 1, got %s at %d", batch.Status, batch.CurrentStage)
	}

	// Uploading to a locked stage fails.
	err := s.CreateImage(ctx, &StageImage{BatchID: batch.ID, StageNumber: 2, UploadedBy: farmer.ID, ImageURL: "u", SHA256: "x"})
	if !errors.Is(err, ErrStageLocked) {
		t.Fatalf("expected ErrStageLocked, got %v", err)
	}

	for stage := 1; stage <= StageCount; stage++ {
		_, err := s.CompleteStage(ctx, batch.ID, stage, 2)
		if !errors.Is(err, ErrInsufficientImages) {
			t.Fatalf("stage %d: expected ErrInsufficientImages, got %v", stage, err)
		}

		approveImage(t, s, uploadImage(t, s, batch, stage))
		approveImage(t, s, uploadImage(t, s, batch, stage))

		res, err := s.CompleteStage(ctx, batch.ID, stage, 2)
		if err != nil {
			t.Fatalf("stage %d: CompleteStage failed: %v", stage, err)
		}
		if res.Stage.Status != StageStatusCompleted || res.Stage.VerifiedImages != 2 {
			t.Errorf("stage %d: expected completed with 2 images, got %s with %d", stage, res.Stage.Status, res.Stage.VerifiedImages)
		}
		if res.Verified == nil || res.Verified.StageNumber != stage {
			t.Errorf("stage %d: missing verified stage record", stage)
		}

		if stage < StageCount {
			if res.Next == nil || res.Next.Number != stage+1 || res.Next.Status != StageStatusOpen {
				t.Errorf("stage %d: expected next stage open, got %+v", stage, res.Next)
			}
			if res.BatchVerified {
				t.Errorf("stage %d: batch verified too early", stage)
			}
		} else if !res.BatchVerified || res.Batch.Status != BatchStatusVerified {
			t.Errorf("expected batch verified after final stage, got %s", res.Batch.Status)
		}

		if _, err := s.CompleteStage(ctx, batch.ID, stage, 2); !errors.Is(err, ErrStageCompleted) {
			t.Fatalf("stage %d: expected ErrStageCompleted on repeat, got %v", stage, err)
		}
	}

	detail, err := s.GetBatchDetail(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatchDetail failed: %v", err)
	}
	if len(detail.Stages) != StageCount || len(detail.Verified) != StageCount || len(detail.Images) != 2*StageCount {
		t.Errorf("unexpected detail shape: %d stages, %d verified, %d images",
			len(detail.Stages), len(detail.Verified), len(detail.Images))
	}
	if detail.Batch.VerifiedAt == nil {
		t.Error("expected verified_at to be set")
	}

	// Verified batches accept no further uploads.
	err = s.CreateImage(ctx, &StageImage{BatchID: batch.ID, StageNumber: 7, UploadedBy: farmer.ID, ImageURL: "u", SHA256: "late"})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for upload to verified batch, got %v", err)
	}
}

// testFrozenEvidence checks that approvals after a stage completes leave
// its verified record and image count untouched.
func testFrozenEvidence(t *testing.T, s Store) {
	ctx := context.Background()
	farmer := seedFarmer(t, s)
	admin := seedAdmin(t, s)
	batch := seedBatch(t, s, farmer)

	first := uploadImage(t, s, batch, 1)
	second := uploadImage(t, s, batch, 1)
	approveImage(t, s, first)
	approveImage(t, s, second)
	late := recordVerdict(t, s, uploadImage(t, s, batch, 1), VerdictFlagged)

	res, err := s.CompleteStage(ctx, batch.ID, 1, 2)
	if err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	want := []string{strings.ToLower(first.SHA256), strings.ToLower(second.SHA256)}
	sort.Strings(want)
	if diff := cmp.Diff(want, res.Verified.ImageHashes); diff != "" {
		t.Errorf("verified hashes mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.ReviewImage(ctx, late.ID, admin.ID, true, "late but genuine"); err != nil {
		t.Fatalf("ReviewImage failed: %v", err)
	}
	detail, err := s.GetBatchDetail(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatchDetail failed: %v", err)
	}
	if detail.Stages[0].VerifiedImages != 2 {
		t.Errorf("expected completed stage to keep 2 verified images, got %d", detail.Stages[0].VerifiedImages)
	}
	if diff := cmp.Diff(want, detail.Verified[0].ImageHashes); diff != "" {
		t.Errorf("frozen hashes changed (-want +got):\n%s", diff)
	}
}

func testDuplicateImage(t *testing.T, s Store) {
	ctx := context.Background()
	batch := seedBatch(t, s, seedFarmer(t, s))

	first := &StageImage{BatchID: batch.ID, StageNumber: 1, UploadedBy: batch.FarmerID, ImageURL: "a", SHA256: "same"}
	if err := s.CreateImage(ctx, first); err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}
	dup := &StageImage{BatchID: batch.ID, StageNumber: 1, UploadedBy: batch.FarmerID, ImageURL: "b", SHA256: "same"}
	if err := s.CreateImage(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The same photo in a different batch is fine.
	other := seedBatch(t, s, seedFarmer(t, s))
	again := &StageImage{BatchID: other.ID, StageNumber: 1, UploadedBy: other.FarmerID, ImageURL: "c", SHA256: "same"}
	if err := s.CreateImage(ctx, again); err != nil {
		t.Fatalf("expected upload to another batch to succeed, got %v", err)
	}
}

func testClaimAndRelease(t *testing.T, s Store) {
	ctx := context.Background()
	batch := seedBatch(t, s, seedFarmer(t, s))
	a := uploadImage(t, s, batch, 1)
	b := uploadImage(t, s, batch, 1)

	claimed, err := s.ClaimPendingImages(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("ClaimPendingImages failed: %v", err)
	}
	ids := map[uuid.UUID]bool{}
	for _, img := range claimed {
		ids[img.ID] = true
		if img.Status != ImageStatusScreening || img.ScreeningAttempts != 1 {
			t.Errorf("expected screening with 1 attempt, got %s/%d", img.Status, img.ScreeningAttempts)
		}
	}
	if !ids[a.ID] || !ids[b.ID] {
		t.Fatalf("expected both images claimed, got %d", len(claimed))
	}

	// Nothing is pending any more.
	again, err := s.ClaimPendingImages(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("ClaimPendingImages failed: %v", err)
	}
	for _, img := range again {
		if img.ID == a.ID || img.ID == b.ID {
			t.Errorf("image %s claimed twice", img.ID)
		}
	}

	if err := s.ReleaseImage(ctx, a.ID); err != nil {
		t.Fatalf("ReleaseImage failed: %v", err)
	}
	got, _ := s.GetImage(ctx, a.ID)
	if got.Status != ImageStatusPending {
		t.Errorf("expected released image pending, got %s", got.Status)
	}
}

func testReviewAndAppeal(t *testing.T, s Store) {
	ctx := context.Background()
	admin := seedAdmin(t, s)
	batch := seedBatch(t, s, seedFarmer(t, s))

	flagged := recordVerdict(t, s, uploadImage(t, s, batch, 1), VerdictFlagged)
	if flagged.Status != ImageStatusFlagged {
		t.Fatalf("expected flagged, got %s", flagged.Status)
	}
	reviewed, err := s.ReviewImage(ctx, flagged.ID, admin.ID, true, "looks genuine")
	if err != nil {
		t.Fatalf("ReviewImage failed: %v", err)
	}
	if reviewed.Status != ImageStatusApproved || reviewed.ReviewedBy == nil || *reviewed.ReviewedBy != admin.ID {
		t.Errorf("expected approved by admin, got %s", reviewed.Status)
	}
	if _, err := s.ReviewImage(ctx, flagged.ID, admin.ID, false, ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState reviewing a non-flagged image, got %v", err)
	}

	rejected := recordVerdict(t, s, uploadImage(t, s, batch, 1), VerdictRejected)
	appeal := &Appeal{ImageID: rejected.ID, FarmerID: batch.FarmerID, Reason: "photo taken on my phone today"}
	if err := s.CreateAppeal(ctx, appeal); err != nil {
		t.Fatalf("CreateAppeal failed: %v", err)
	}
	if appeal.BatchID != batch.ID || appeal.Status != AppealStatusOpen {
		t.Errorf("unexpected appeal %+v", appeal)
	}
	img, _ := s.GetImage(ctx, rejected.ID)
	if img.Status != ImageStatusAppealed {
		t.Errorf("expected appealed image, got %s", img.Status)
	}

	resolved, img, err := s.ResolveAppeal(ctx, appeal.ID, admin.ID, true, "verified on call")
	if err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}
	if resolved.Status != AppealStatusUpheld || resolved.ResolvedAt == nil {
		t.Errorf("expected upheld appeal, got %s", resolved.Status)
	}
	if img.Status != ImageStatusApproved {
		t.Errorf("expected approved image after upheld appeal, got %s", img.Status)
	}
	if _, _, err := s.ResolveAppeal(ctx, appeal.ID, admin.ID, false, ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState resolving twice, got %v", err)
	}

	// Both approvals count toward stage 1.
	stages, _ := s.GetStages(ctx, batch.ID)
	if stages[0].VerifiedImages != 2 {
		t.Errorf("expected 2 verified images on stage 1, got %d", stages[0].VerifiedImages)
	}

	// A denied appeal puts the image back to rejected and it cannot be appealed again.
	second := recordVerdict(t, s, uploadImage(t, s, batch, 1), VerdictRejected)
	ap2 := &Appeal{ImageID: second.ID, FarmerID: batch.FarmerID, Reason: "please check"}
	if err := s.CreateAppeal(ctx, ap2); err != nil {
		t.Fatalf("CreateAppeal failed: %v", err)
	}
	if _, img, err := s.ResolveAppeal(ctx, ap2.ID, admin.ID, false, "same photo as neighbour"); err != nil || img.Status != ImageStatusRejected {
		t.Fatalf("expected rejected after denial, got %v / %v", img, err)
	}
	if err := s.CreateAppeal(ctx, &Appeal{ImageID: second.ID, FarmerID: batch.FarmerID, Reason: "again"}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second appeal, got %v", err)
	}

	approved := recordVerdict(t, s, uploadImage(t, s, batch, 1), VerdictApproved)
	if err := s.CreateAppeal(ctx, &Appeal{ImageID: approved.ID, FarmerID: batch.FarmerID, Reason: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState appealing approved image, got %v", err)
	}
}

func verifyBatch(t *testing.T, s Store, batch *Batch) {
	t.Helper()
	for stage := 1; stage <= StageCount; stage++ {
		approveImage(t, s, uploadImage(t, s, batch, stage))
		if _, err := s.CompleteStage(context.Background(), batch.ID, stage, 1); err != nil {
			t.Fatalf("CompleteStage %d failed: %v", stage, err)
		}
	}
}

func testCertificates(t *testing.T, s Store) {
	ctx := context.Background()
	batch := seedBatch(t, s, seedFarmer(t, s))

	cert := &Certificate{BatchID: batch.ID, Code: "KB-" + uuid.NewString()[:8], PayloadHash: "abc", AnchorStatus: AnchorStatusPending}
	if _, _, err := s.IssueCertificate(ctx, cert); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for active batch, got %v", err)
	}

	verifyBatch(t, s, batch)
	got, created, err := s.IssueCertificate(ctx, cert)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}
	if !created || got.ID == uuid.Nil {
		t.Fatalf("expected new certificate, created=%v", created)
	}

	again, created, err := s.IssueCertificate(ctx, &Certificate{BatchID: batch.ID, Code: "KB-OTHER", AnchorStatus: AnchorStatusPending})
	if err != nil {
		t.Fatalf("IssueCertificate repeat failed: %v", err)
	}
	if created || again.ID != got.ID || again.Code != cert.Code {
		t.Errorf("expected the existing certificate back, got %+v", again)
	}

	b, _ := s.GetBatch(ctx, batch.ID)
	if b.Status != BatchStatusCertified {
		t.Errorf("expected certified batch, got %s", b.Status)
	}
	byCode, err := s.GetCertificateByCode(ctx, cert.Code)
	if err != nil || byCode == nil || byCode.BatchID != batch.ID {
		t.Fatalf("GetCertificateByCode failed: %v", err)
	}
	missing, err := s.GetCertificateByCode(ctx, "KB-NOPE")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown code, got %v / %v", missing, err)
	}

	now := time.Now().UTC()
	due, err := s.ClaimAnchorDue(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimAnchorDue failed: %v", err)
	}
	var claimed *Certificate
	for _, c := range due {
		if c.ID == got.ID {
			claimed = c
		}
	}
	if claimed == nil {
		t.Fatal("expected certificate to be due")
	}
	if claimed.NextAnchorAt == nil || claimed.NextAnchorAt.Before(now.Add(59*time.Second)) {
		t.Errorf("expected lease pushed forward, got %v", claimed.NextAnchorAt)
	}

	// Leased certificates are not handed out twice.
	due, _ = s.ClaimAnchorDue(ctx, now, time.Minute, 10)
	for _, c := range due {
		if c.ID == got.ID {
			t.Error("certificate claimed twice within its lease")
		}
	}

	anchoredAt := now
	claimed.AnchorStatus = AnchorStatusAnchored
	claimed.AnchorAttempts = 1
	claimed.TransactionID = "0xfeed"
	claimed.Network = "polygon-amoy"
	claimed.AnchoredAt = &anchoredAt
	claimed.NextAnchorAt = nil
	if err := s.RecordAnchorResult(ctx, claimed); err != nil {
		t.Fatalf("RecordAnchorResult failed: %v", err)
	}
	final, _ := s.GetCertificateForBatch(ctx, batch.ID)
	if final.AnchorStatus != AnchorStatusAnchored || final.TransactionID != "0xfeed" {
		t.Errorf("expected anchored certificate, got %+v", final)
	}
}

func testNotifications(t *testing.T, s Store) {
	ctx := context.Background()
	user := seedFarmer(t, s)
	other := seedFarmer(t, s)

	for i := 0; i < 3; i++ {
		n := &Notification{UserID: user.ID, Kind: "image.screened", Title: fmt.Sprintf("note %d", i)}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
	}
	if err := s.CreateNotification(ctx, &Notification{UserID: other.ID, Kind: "x", Title: "other"}); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	list, err := s.ListNotifications(ctx, user.ID, false, 0)
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 notifications, got %d (%v)", len(list), err)
	}
	if err := s.MarkNotificationRead(ctx, other.ID, list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound marking another user's notification, got %v", err)
	}
	if err := s.MarkNotificationRead(ctx, user.ID, list[0].ID); err != nil {
		t.Fatalf("MarkNotificationRead failed: %v", err)
	}
	if n, _ := s.UnreadCount(ctx, user.ID); n != 2 {
		t.Errorf("expected 2 unread, got %d", n)
	}
	unread, _ := s.ListNotifications(ctx, user.ID, true, 0)
	if len(unread) != 2 {
		t.Errorf("expected 2 unread in list, got %d", len(unread))
	}
	marked, err := s.MarkAllNotificationsRead(ctx, user.ID)
	if err != nil || marked != 2 {
		t.Errorf("expected 2 marked read, got %d (%v)", marked, err)
	}
	if n, _ := s.UnreadCount(ctx, other.ID); n != 1 {
		t.Errorf("expected other user untouched, got %d unread", n)
	}
}

func testCommunity(t *testing.T, s Store) {
	ctx := context.Background()
	asker := seedFarmer(t, s)
	helper := seedFarmer(t, s)
	voter := seedFarmer(t, s)

	q := &Question{AuthorID: asker.ID, Title: "Leaf curl on chilli", Body: "What spray works?", Crop: "Chilli"}
	if err := s.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("CreateQuestion failed: %v", err)
	}
	a1 := &Answer{QuestionID: q.ID, AuthorID: helper.ID, Body: "Neem oil weekly"}
	a2 := &Answer{QuestionID: q.ID, AuthorID: voter.ID, Body: "Remove affected plants"}
	for _, a := range []*Answer{a1, a2} {
		if err := s.CreateAnswer(ctx, a); err != nil {
			t.Fatalf("CreateAnswer failed: %v", err)
		}
	}
	if err := s.CreateAnswer(ctx, &Answer{QuestionID: uuid.New(), AuthorID: helper.ID, Body: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound answering missing question, got %v", err)
	}

	if _, err := s.UpvoteAnswer(ctx, a2.ID, voter.ID); err != nil {
		t.Fatalf("UpvoteAnswer failed: %v", err)
	}
	if _, err := s.UpvoteAnswer(ctx, a2.ID, voter.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on double vote, got %v", err)
	}
	if _, err := s.UpvoteAnswer(ctx, uuid.New(), voter.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound voting on missing answer, got %v", err)
	}

	if _, err := s.AcceptAnswer(ctx, a1.ID, helper.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden when non-author accepts, got %v", err)
	}
	if _, err := s.AcceptAnswer(ctx, a2.ID, asker.ID); err != nil {
		t.Fatalf("AcceptAnswer failed: %v", err)
	}
	accepted, err := s.AcceptAnswer(ctx, a1.ID, asker.ID)
	if err != nil || !accepted.Accepted {
		t.Fatalf("AcceptAnswer switch failed: %v", err)
	}

	got, err := s.GetQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuestion failed: %v", err)
	}
	if got.AnswerCount != 2 || len(got.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d/%d", got.AnswerCount, len(got.Answers))
	}
	if got.Answers[0].ID != a1.ID || !got.Answers[0].Accepted || got.Answers[1].Accepted {
		t.Errorf("expected only the accepted answer first and flagged")
	}
	if got.AcceptedAnswerID == nil || *got.AcceptedAnswerID != a1.ID {
		t.Errorf("expected accepted_answer_id %s", a1.ID)
	}

	list, err := s.ListQuestions(ctx, QuestionFilter{Crop: "chilli"})
	if err != nil || len(list) == 0 {
		t.Errorf("expected crop filter to be case-insensitive, got %d (%v)", len(list), err)
	}
	if list, _ := s.ListQuestions(ctx, QuestionFilter{Crop: "chil_i"}); len(list) != 0 {
		t.Errorf("expected crop filter to match literally, got %d", len(list))
	}
}

func testEducationAndMarket(t *testing.T, s Store) {
	ctx := context.Background()
	user := seedFarmer(t, s)

	if _, err := s.UpsertProgress(ctx, user.ID, "soil-health", 60); err != nil {
		t.Fatalf("UpsertProgress failed: %v", err)
	}
	p, err := s.UpsertProgress(ctx, user.ID, "soil-health", 20)
	if err != nil || p.Percent != 60 {
		t.Fatalf("expected progress to stay at 60, got %v (%v)", p, err)
	}
	p, _ = s.UpsertProgress(ctx, user.ID, "soil-health", 100)
	if p.CompletedAt == nil {
		t.Error("expected completion stamp at 100")
	}
	list, _ := s.ListProgress(ctx, user.ID)
	if len(list) != 1 {
		t.Errorf("expected 1 progress row, got %d", len(list))
	}

	crop := "Tomato-" + uuid.NewString()[:6]
	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	prices := []*MarketPrice{
		{Crop: crop, Market: "Kolar", MinPrice: 800, MaxPrice: 1200, ModalPrice: 1000, PriceDate: day(1)},
		{Crop: crop, Market: "Kolar", MinPrice: 900, MaxPrice: 1300, ModalPrice: 1100, PriceDate: day(2)},
		{Crop: crop, Market: "Mysuru", MinPrice: 700, MaxPrice: 1000, ModalPrice: 850, PriceDate: day(1)},
	}
	if err := s.CreateMarketPrices(ctx, prices); err != nil {
		t.Fatalf("CreateMarketPrices failed: %v", err)
	}

	// One bad row keeps the whole batch out.
	rejected := "Onion-" + uuid.NewString()[:6]
	err = s.CreateMarketPrices(ctx, []*MarketPrice{
		{Crop: rejected, Market: "Kolar", MinPrice: 800, MaxPrice: 1200, ModalPrice: 1000, PriceDate: day(1)},
		{Crop: rejected, Market: "Kolar", MinPrice: 1500, MaxPrice: 1200, ModalPrice: 1000, PriceDate: day(2)},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for inconsistent row, got %v", err)
	}
	if got, _ := s.ListMarketPrices(ctx, MarketPriceFilter{Crop: rejected}); len(got) != 0 {
		t.Errorf("expected no rows from a rejected batch, got %d", len(got))
	}
	if got, _ := s.ListMarketPrices(ctx, MarketPriceFilter{Crop: "%"}); len(got) != 0 {
		t.Errorf("expected crop filter to match literally, got %d rows", len(got))
	}
	latest, err := s.LatestPrices(ctx, crop)
	if err != nil {
		t.Fatalf("LatestPrices failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected one price per market, got %d", len(latest))
	}
	for _, mp := range latest {
		if mp.Market == "Kolar" && mp.ModalPrice != 1100 {
			t.Errorf("expected latest Kolar price 1100, got %v", mp.ModalPrice)
		}
		if mp.Unit != "quintal" {
			t.Errorf("expected default unit quintal, got %s", mp.Unit)
		}
	}
	since := day(2)
	recent, _ := s.ListMarketPrices(ctx, MarketPriceFilter{Crop: crop, Since: &since})
	if len(recent) != 1 {
		t.Errorf("expected 1 price since day 2, got %d", len(recent))
	}
}

func testUserRoles(t *testing.T, s Store) {
	ctx := context.Background()
	farmer := seedFarmer(t, s)
	seedAdmin(t, s)

	role := RoleAdmin
	admins, err := s.ListUsers(ctx, &role)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(admins) != 1 {
		t.Fatalf("expected 1 admin, got %d", len(admins))
	}

	promoted, err := s.SetUserRole(ctx, farmer.ID, RoleAdmin)
	if err != nil {
		t.Fatalf("SetUserRole failed: %v", err)
	}
	if promoted.Role != RoleAdmin || promoted.FullName != farmer.FullName {
		t.Errorf("unexpected promoted user %+v", promoted)
	}
	admins, _ = s.ListUsers(ctx, &role)
	if len(admins) != 2 {
		t.Errorf("expected 2 admins after promotion, got %d", len(admins))
	}

	// A profile update does not demote.
	farmer.FullName = "Ravi K."
	if err := s.UpsertUser(ctx, farmer); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if farmer.Role != RoleAdmin {
		t.Errorf("expected role to survive upsert, got %s", farmer.Role)
	}

	if _, err := s.SetUserRole(ctx, uuid.New(), RoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
