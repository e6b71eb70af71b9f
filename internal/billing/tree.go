package billing

import (
	"context"
	"time"

	"github.com/tracktags/tracktags/internal/actors"
	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
)

// DefinitionSource is the row-store slice the live tree needs to
// materialize metric actors on demand.
type DefinitionSource interface {
	GetMetricDefinition(ctx context.Context, businessID, customerID, metricName string) (*database.MetricRow, error)
}

// LiveTree adapts the running actor hierarchy to the ActorTree view the
// processor and reconciler take.
type LiveTree struct {
	app *actors.ApplicationActor
	db  DefinitionSource
}

func NewLiveTree(app *actors.ApplicationActor, db DefinitionSource) *LiveTree {
	return &LiveTree{app: app, db: db}
}

func (t *LiveTree) Customer(businessID, customerID string) (CustomerOps, error) {
	biz, err := t.app.TouchBusiness(businessID)
	if err != nil {
		return nil, err
	}
	cust, err := biz.TouchCustomer(customerID)
	if err != nil {
		return nil, err
	}
	return cust, nil
}

// MetricValue reads the live value of one metric, materializing its
// actor from the stored definition when it is not already running.
func (t *LiveTree) MetricValue(businessID, customerID, metricName string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row, err := t.db.GetMetricDefinition(ctx, businessID, customerID, metricName)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, errs.NotFoundf("metric %s for %s/%s", metricName, businessID, customerID)
	}
	def, err := row.Definition()
	if err != nil {
		return 0, err
	}

	biz, err := t.app.TouchBusiness(businessID)
	if err != nil {
		return 0, err
	}
	var actor *actors.MetricActor
	if customerID == "" {
		actor, err = biz.TouchMetric(*def)
	} else {
		var cust *actors.CustomerActor
		if cust, err = biz.TouchCustomer(customerID); err == nil {
			actor, err = cust.Touch(*def)
		}
	}
	if err != nil {
		return 0, err
	}
	snap, err := actor.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.Value, nil
}

var _ ActorTree = (*LiveTree)(nil)

// OfflineTree is the ActorTree for one-shot tools with no resident
// actors. Plan changes land in the row store and take effect when the
// customer's actor next boots.
type OfflineTree struct{}

func (OfflineTree) Customer(string, string) (CustomerOps, error) { return noopCustomer{}, nil }

func (OfflineTree) MetricValue(businessID, customerID, metricName string) (float64, error) {
	return 0, errs.NotFoundf("no live value for %s/%s/%s", businessID, customerID, metricName)
}

type noopCustomer struct{}

func (noopCustomer) RefreshPlan() error             { return nil }
func (noopCustomer) ResetBillingCycle(string) error { return nil }
func (noopCustomer) DowngradeToFree() error         { return nil }

var _ ActorTree = OfflineTree{}
