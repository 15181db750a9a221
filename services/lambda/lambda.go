// The lambda service runs the provisioning workflows behind AWS API
// Gateway. The CA, the ACL files and the broker live on the host that
// runs the hoppyshare service; this deployment reaches them through
// the control plane client, while devices and handoff keys live in the
// shared Postgres.
package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/njyeung/hoppyshare/api"
	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/core/csql"
	"github.com/njyeung/hoppyshare/core/logger"
	"github.com/njyeung/hoppyshare/devices"
	"github.com/njyeung/hoppyshare/events"
	"github.com/njyeung/hoppyshare/handoff"
	"github.com/njyeung/hoppyshare/provisioning"
)

// Service holds the configuration for this service
type Service struct {
	Postgres          string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	ControlURL        string `env:"CONTROL_URL,required" description:"base url of the hoppyshare control plane"`
	MachineKey        string `env:"MACHINE_KEY,required" description:"shared key for the control plane routes"`
	BinaryS3AccessID  string `env:"BINARY_S3_ACCESS_ID,required" description:"S3 access key id for the agent binaries"`
	BinaryS3AccessKey string `env:"BINARY_S3_ACCESS_KEY,required" description:"S3 secret access key"`
	BinaryS3Region    string `env:"BINARY_S3_REGION,required" description:"S3 region"`
	BinaryS3Bucket    string `env:"BINARY_S3_BUCKET,required" description:"S3 bucket with the agent binaries"`
	BinaryS3Prefix    string `env:"BINARY_S3_PREFIX" description:"key prefix inside the bucket"`
	KafkaBrokers      string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers; empty disables audit events"`
	KafkaTopic        string `env:"KAFKA_TOPIC,default=provisioning-events" description:"Kafka topic for audit events"`
}

type handler struct {
	coordinator *provisioning.Coordinator
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorProxyResponse(err error) awsevents.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{
		Code:    string(apierror.CodeOf(err)),
		Message: err.Error(),
	})
	return awsevents.APIGatewayProxyResponse{
		StatusCode: apierror.StatusOf(err),
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func jsonProxyResponse(status int, body interface{}) awsevents.APIGatewayProxyResponse {
	data, _ := json.Marshal(body)
	return awsevents.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}

// uidFromRequest reads the token subject the API Gateway authorizer
// verified.
func uidFromRequest(req awsevents.APIGatewayProxyRequest) (string, error) {
	claims, ok := req.RequestContext.Authorizer["claims"].(map[string]interface{})
	if !ok {
		return "", apierror.Authentication("no verified claims")
	}
	uid, _ := claims["sub"].(string)
	if len(uid) == 0 {
		return "", apierror.Authorization("no user identity")
	}
	return uid, nil
}

func (h *handler) handle(ctx context.Context, req awsevents.APIGatewayProxyRequest) (awsevents.APIGatewayProxyResponse, error) {
	route := req.HTTPMethod + " " + req.Resource
	switch route {
	case "POST /onboard":
		return h.onboardUser(ctx, req), nil
	case "POST /devices":
		return h.addDevice(ctx, req), nil
	case "GET /devices":
		return h.listDevices(ctx, req), nil
	case "DELETE /devices/{device_id}":
		return h.revokeDevice(ctx, req), nil
	case "PUT /devices/{device_id}/settings":
		return h.changeSettings(ctx, req), nil
	case "POST /devices/{device_id}/decrypt":
		return h.releaseKey(ctx, req), nil
	case "DELETE /user":
		return h.deleteUser(ctx, req), nil
	}
	return errorProxyResponse(apierror.NotFound("no route %s", route)), nil
}

func (h *handler) onboardUser(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	if err := h.coordinator.OnboardUser(ctx, uid); err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, map[string]string{"uid": uid})
}

func (h *handler) addDevice(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	platform, err := artifact.ParsePlatform(req.QueryStringParameters["platform"])
	if err != nil {
		return errorProxyResponse(err)
	}
	mode := provisioning.WrapHandoff
	if req.QueryStringParameters["mode"] == "rsa" {
		mode = provisioning.WrapRSA
	}
	deviceID, data, err := h.coordinator.AddDevice(ctx, uid, platform, mode)
	if err != nil {
		return errorProxyResponse(err)
	}
	return awsevents.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":        "application/octet-stream",
			"Content-Disposition": "attachment; filename=" + platform.Target(),
			"X-Device-Id":         deviceID,
		},
		Body:            base64.StdEncoding.EncodeToString(data),
		IsBase64Encoded: true,
	}
}

func (h *handler) listDevices(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	list, err := h.coordinator.GetDevices(ctx, uid)
	if err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, list)
}

func (h *handler) revokeDevice(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	deviceID := req.PathParameters["device_id"]
	if err := h.coordinator.RevokeDevice(ctx, uid, deviceID); err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, map[string]string{"device_id": deviceID, "status": "revoked"})
}

func (h *handler) changeSettings(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	deviceID := req.PathParameters["device_id"]
	if err := h.coordinator.ChangeSettings(ctx, uid, deviceID, []byte(req.Body)); err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, map[string]string{"device_id": deviceID, "status": "updated"})
}

func (h *handler) releaseKey(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	deviceID := req.PathParameters["device_id"]
	var body struct {
		EncryptedBlob string `json:"encrypted_blob"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorProxyResponse(apierror.Validation("cannot decode body").Wrap(err))
	}
	blob, err := base64.StdEncoding.DecodeString(body.EncryptedBlob)
	if err != nil {
		return errorProxyResponse(apierror.Validation("encrypted_blob is not base64").Wrap(err))
	}
	key, err := h.coordinator.ReleaseKey(ctx, deviceID, blob)
	if err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, map[string]string{
		"key": base64.StdEncoding.EncodeToString(key),
	})
}

func (h *handler) deleteUser(ctx context.Context, req awsevents.APIGatewayProxyRequest) awsevents.APIGatewayProxyResponse {
	uid, err := uidFromRequest(req)
	if err != nil {
		return errorProxyResponse(err)
	}
	if err := h.coordinator.DeleteUser(ctx, uid); err != nil {
		return errorProxyResponse(err)
	}
	return jsonProxyResponse(http.StatusOK, map[string]string{"uid": uid, "status": "deleted"})
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)

	db := csql.OpenWithSchema(service.Postgres, "hoppyshare")

	control, err := api.NewControlClient(service.ControlURL, service.MachineKey)
	if err != nil {
		panic(err)
	}

	source, err := artifact.NewS3Source(context.Background(), artifact.S3Configuration{
		AccessID:  service.BinaryS3AccessID,
		AccessKey: service.BinaryS3AccessKey,
		Region:    service.BinaryS3Region,
		Bucket:    service.BinaryS3Bucket,
		Prefix:    service.BinaryS3Prefix,
	})
	if err != nil {
		panic(err)
	}

	var sink events.Sink = events.NopSink{}
	if len(service.KafkaBrokers) > 0 {
		sink = events.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
	}

	h := &handler{
		coordinator: provisioning.NewCoordinator(&provisioning.Coordinator{
			CA:        control,
			ACL:       control,
			Devices:   devices.NewSQLStore(db),
			Handoff:   handoff.NewSQLStore(db),
			Publisher: control,
			Artifacts: &artifact.Builder{Source: source},
			Events:    sink,
		}),
	}

	lambda.Start(h.handle)
}
